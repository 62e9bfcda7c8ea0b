package session

import "tgsync/internal/config"

// DefaultSessionName is used when neither the flag nor the config chooses.
const DefaultSessionName = "main"

// Resolve picks the active session: an explicit flag wins, then the
// default_session key in config.toml, then DefaultSessionName. A missing or
// unreadable config silently falls through to the default so a fresh install
// starts without any setup.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
