package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Normalize maps the empty status (a record written before its first
// transition) to pending.
func (s Status) Normalize() Status {
	if s == "" {
		return StatusPending
	}
	return s
}

// Record is one conversion job as persisted in the record store.
//
// Field order is part of the storage format: StartedAt is serialized first so
// raw values sort by creation time without being decoded.
type Record struct {
	StartedAt  int64  `json:"started_at"`
	ID         string `json:"id"`
	UserID     string `json:"user_id"`
	SourceURL  string `json:"source_url"`
	FolderID   string `json:"destination_folder_id"`
	FolderName string `json:"destination_folder_name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	// Worker identifies the service instance that runs the job.
	Worker     string `json:"worker,omitempty"`
}

// Started returns StartedAt as a UTC time.
func (r *Record) Started() time.Time {
	return time.Unix(r.StartedAt, 0).UTC()
}

// ExpiresAt returns the instant the record leaves its retention window.
func (r *Record) ExpiresAt(retention time.Duration) time.Time {
	return r.Started().Add(retention)
}

// Expired reports whether the record is past its retention window at now.
func (r *Record) Expired(now time.Time, retention time.Duration) bool {
	return !now.Before(r.ExpiresAt(retention))
}

// Marshal encodes the record in its storage format.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a stored record.
func Unmarshal(data []byte) (*Record, error) {
	r := &Record{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	r.Status = r.Status.Normalize()
	return r, nil
}

// Transition applies next onto r.
//
// pending moves to either terminal status. Re-applying the terminal status a
// record already holds returns changed=false and no error; any other change
// to a terminal record returns ErrTerminal.
func (r *Record) Transition(next *Record) (changed bool, err error) {
	cur := r.Status.Normalize()
	to := next.Status.Normalize()

	if cur.IsTerminal() {
		if to == cur {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrTerminal, cur, to)
	}
	if to == StatusPending {
		return false, nil
	}
	if !to.IsTerminal() {
		return false, fmt.Errorf("unknown status %q", to)
	}

	r.Status = to
	r.Message = ""
	if to == StatusFailed {
		r.Message = next.Message
	}
	return true, nil
}

// SubmitRequest is what the request-handling collaborator hands over for a
// new job.
type SubmitRequest struct {
	URL        string `json:"url" validate:"required,url"`
	FolderID   string `json:"folder_id"`
	FolderName string `json:"folder_name"`
	Credential string `json:"-" validate:"required"`
	UserID     string `json:"-" validate:"required,excludesall=:*"`
}

// ErrInvalid wraps every SubmitRequest validation failure.
var ErrInvalid = errors.New("invalid submit request")

var validate = validator.New()

func (r *SubmitRequest) Validate() error {
	r.URL = strings.TrimSpace(r.URL)
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q check", ErrInvalid, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
