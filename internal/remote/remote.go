// Package remote defines the narrow surface the core uses to talk to the
// service. Transport, retry and wire encoding live behind the Invoker.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Invoker issues a remote method call. Implementations own retries and
// timeouts; the core only reacts to the eventual result.
type Invoker interface {
	Invoke(ctx context.Context, method string, params any) (any, error)
}

// Error is a classified failure returned by the service.
type Error struct {
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Type
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// IsType reports whether err is a remote error of the given classification.
func IsType(err error, t string) bool {
	var re *Error
	return errors.As(err, &re) && re.Type == t
}

// Semantic rejections the core treats as success.
const (
	TypeMessageNotModified = "MESSAGE_NOT_MODIFIED"
	TypeMessageEmpty       = "MESSAGE_EMPTY"
)

// TypeTransportDown classifies calls failed because no transport is
// attached; callers may retry once one reconnects.
const TypeTransportDown = "TRANSPORT_DISCONNECTED"

// Handled reports whether err is a semantic rejection that callers should
// swallow rather than propagate.
func Handled(err error) bool {
	return IsType(err, TypeMessageNotModified) || IsType(err, TypeMessageEmpty)
}
