// Package synclog keeps the append-only record of every fiscal round-trip
// and bridge mutation. Entries are never updated or deleted by the engine;
// pruning is a housekeeping task outside this package.
package synclog

import (
	"context"
	"fmt"
	"time"
)

// Actions recorded in the log.
const (
	ActionSign        = "sign"
	ActionSubmit      = "submit"
	ActionAuthorize   = "authorize"
	ActionCancel      = "cancel"
	ActionBridgeScan  = "bridge-scan"
	ActionBridgeStock = "bridge-stock"
)

// Statuses recorded in the log.
const (
	StatusOK    = "ok"
	StatusError = "error"
	StatusInfo  = "info"
)

// PersistenceError signals that an append may not have been recorded. The
// caller must treat the corresponding state transition as unconfirmed and
// re-drive from the invoice record, not from the log.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("synclog: append not confirmed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Entry is one append-only record.
type Entry struct {
	ID        int64
	AccessKey string
	Action    string
	Status    string
	Detail    string
	Request   string
	Response  string
	At        time.Time
}

// Store is what producers and readers of the log depend on.
type Store interface {
	// Append records the entry durably or fails with *PersistenceError.
	Append(ctx context.Context, entry Entry) error
	// ByAccessKey returns entries for one document ordered by timestamp,
	// ties broken by insertion id.
	ByAccessKey(ctx context.Context, accessKey string, limit int) ([]Entry, error)
}
