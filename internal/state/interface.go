package state

import (
	"io"

	"github.com/ShayCichocki/opsbrain/pkg/models"
)

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	States []models.State
	Source models.Source
	Limit  int
}

// EventStore persists events and everything attached to them.
type EventStore interface {
	// SaveEvent upserts the event. Turns and dispatch history are append-only.
	SaveEvent(e *models.Event) error
	// GetEvent returns nil, nil when no such event exists.
	GetEvent(id string) (*models.Event, error)
	ListEvents(filter EventFilter) ([]*models.Event, error)
}

// RecoveryStore answers the questions asked on restart.
type RecoveryStore interface {
	// OpenEvents returns every event not yet closed.
	OpenEvents() ([]*models.Event, error)
	// PendingDeferrals returns deferrals of events still in the deferred state.
	PendingDeferrals() ([]*models.Deferral, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	io.Closer
	Migrator
	EventStore
	RecoveryStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store         = (*DB)(nil)
	_ EventStore    = (*DB)(nil)
	_ RecoveryStore = (*DB)(nil)
	_ Migrator      = (*DB)(nil)
)
