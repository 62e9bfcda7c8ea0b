package peer

// Key identifies a message globally within the replica. For channel peers the
// channel discriminant occupies the high 32 bits and the per-channel message
// number the low 32, so keys of the same peer order by recency. Non-channel
// messages use the bare message number. Negative keys are local placeholders
// allocated by the send coordinator and are never reused.
type Key int64

const keyModulus = 1 << 32

// FullKey packs a service-local message number with its channel discriminant.
// channel is the (negative) peer id of the channel, or 0 for non-channel peers.
func FullKey(local int64, channel ID) Key {
	if channel == 0 || local < 0 {
		return Key(local)
	}
	return Key(int64(-channel)*keyModulus + local)
}

// Local returns the service-local message number.
func (k Key) Local() int64 {
	if k < 0 {
		return int64(k)
	}
	return int64(k) % keyModulus
}

// Channel returns the channel peer the key belongs to, or 0.
func (k Key) Channel() ID {
	if k < 0 {
		return 0
	}
	return ID(-(int64(k) / keyModulus))
}

// Pending reports whether the key is a local placeholder.
func (k Key) Pending() bool { return k < 0 }

// ChannelOf returns the channel discriminant for a peer: the peer itself when
// the resolver classifies it as a channel, 0 otherwise.
func ChannelOf(id ID, r Resolver) ID {
	if id < 0 && r.Classify(id).IsChannel {
		return id
	}
	return 0
}

// SplitByChannel groups message keys by their owning channel, preserving
// order. Non-channel keys map to 0.
func SplitByChannel(keys []Key) map[ID][]Key {
	out := make(map[ID][]Key)
	for _, k := range keys {
		ch := k.Channel()
		out[ch] = append(out[ch], k)
	}
	return out
}
