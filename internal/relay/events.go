package relay

import (
	"database/sql"
	"log/slog"

	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/logging"
)

// Events writes the audit trail of a relay run into the events table. A nil
// *Events, or one without a database, records nothing.
type Events struct {
	db   *sql.DB
	log  *slog.Logger
	root *int64
}

func NewEvents(database *sql.DB, log *slog.Logger) *Events {
	if log == nil {
		log = logging.Discard()
	}
	return &Events{db: database, log: log}
}

// Start records process.started and makes it the parent of later root-level
// events.
func (e *Events) Start(payload map[string]any) *int64 {
	id := e.Log(nil, db.EventProcessStarted, payload)
	if e != nil {
		e.root = id
	}
	return id
}

// Root returns the process.started event ID, or nil before Start.
func (e *Events) Root() *int64 {
	if e == nil {
		return nil
	}
	return e.root
}

// Log inserts an event and returns its ID, or nil if the write failed.
func (e *Events) Log(parent *int64, eventType string, payload map[string]any) *int64 {
	if e == nil || e.db == nil {
		return nil
	}
	id, err := db.LogEvent(e.db, parent, eventType, payload)
	if err != nil {
		e.log.Warn("failed to record event", "event_type", eventType, "error", err)
		return nil
	}
	return &id
}
