package job

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("job record not found")
	ErrDuplicateKey = errors.New("job record already exists")
	ErrTerminal     = errors.New("job record already in terminal state")
)

// DefaultNamespace prefixes every record key.
const DefaultNamespace = "xhaka.jobinfo"

// DefaultRetention is how long a record stays visible after it was started.
const DefaultRetention = time.Hour

// Store persists job records keyed by (user_id, id).
type Store interface {
	// Create writes a new record. The record expires Retention after StartedAt.
	Create(ctx context.Context, r *Record) error
	// Update writes r back under its key without touching the expiry.
	// Returns ErrNotFound if the record is gone and ErrTerminal on an illegal
	// status change.
	Update(ctx context.Context, r *Record) error
	Get(ctx context.Context, userID, id string) (*Record, error)
	// ListForUser returns the user's live records, oldest first.
	ListForUser(ctx context.Context, userID string) ([]*Record, error)
	// ListPending returns the live records still pending that were handed to
	// worker, across users.
	ListPending(ctx context.Context, worker string) ([]*Record, error)
	// SweepExpired deletes records past their retention window and returns
	// how many were removed.
	SweepExpired(ctx context.Context) (int64, error)
	Close() error
}

// Options configures a Store backend.
type Options struct {
	Namespace string
	Retention time.Duration
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Key returns the storage key of a record.
func Key(namespace, userID, id string) string {
	return namespace + ":" + userID + ":" + id
}
