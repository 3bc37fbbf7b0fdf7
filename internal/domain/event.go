package domain

import "time"

// Event is a closed set of notifications published on the event bus. The
// unexported marker method keeps the set closed to this package so a type
// switch over the variants below is exhaustive.
type Event interface {
	Kind() EventKind
	isEvent()
}

type EventKind string

const (
	EventTokenUpdated                EventKind = "token-updated"
	EventLoggedIn                    EventKind = "logged-in"
	EventLoggedOut                   EventKind = "logged-out"
	EventTokenRefreshed              EventKind = "token-refreshed"
	EventConnectionPermanentlyFailed EventKind = "connection-permanently-failed"
)

type TokenUpdated struct {
	Credential Credential
}

type LoggedIn struct {
	Credential Credential
}

type LoggedOut struct {
	Reason string
}

type TokenRefreshed struct {
	Credential Credential
}

// ConnectionPermanentlyFailed is the "disconnected, not retrying" signal.
type ConnectionPermanentlyFailed struct {
	OwnerKey string
	PoolID   PoolID
	Err      error
	At       time.Time
}

func (TokenUpdated) Kind() EventKind                { return EventTokenUpdated }
func (LoggedIn) Kind() EventKind                    { return EventLoggedIn }
func (LoggedOut) Kind() EventKind                   { return EventLoggedOut }
func (TokenRefreshed) Kind() EventKind              { return EventTokenRefreshed }
func (ConnectionPermanentlyFailed) Kind() EventKind { return EventConnectionPermanentlyFailed }

func (TokenUpdated) isEvent()                {}
func (LoggedIn) isEvent()                    {}
func (LoggedOut) isEvent()                   {}
func (TokenRefreshed) isEvent()              {}
func (ConnectionPermanentlyFailed) isEvent() {}
