// Package events defines the publish hook governance outcomes are handed to.
// The default sink discards everything; an opt-in valkey sink forwards events
// with PUBLISH for out-of-process consumers.
package events

import (
	"context"
	"time"
)

// Kind names a governance outcome.
type Kind string

const (
	KindIdentityDenied     Kind = "identity.denied"
	KindRequestThrottled   Kind = "request.throttled"
	KindIdentitySuspicious Kind = "identity.suspicious"
)

// Event is a single governance outcome.
type Event struct {
	Kind     Kind              `json:"kind"`
	Identity string            `json:"identity"`
	Class    string            `json:"class,omitempty"`
	Path     string            `json:"path,omitempty"`
	At       time.Time         `json:"at"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Publisher receives governance events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close(context.Context) error { return nil }
