package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface. It records what happened on the
// link; preset colors live on the fixture and are never persisted here.
type Store interface {
	// Exchange history
	AppendExchange(ex *Exchange) error
	// ListExchanges returns up to limit exchanges, newest first. limit <= 0
	// returns everything retained.
	ListExchanges(limit int) ([]*Exchange, error)
	ClearHistory() error

	// Link state
	SaveLinkState(state *LinkState) error
	GetLinkState() (*LinkState, error)

	// UpdateLinkState atomically reads, modifies, and saves the link state in
	// a single transaction. A missing record starts from the zero value.
	UpdateLinkState(fn func(state *LinkState) error) error

	// Close the store
	Close() error
}
