package upload

import "fmt"

// InitiationError reports a rejected or malformed session initiation.
type InitiationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *InitiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("initiate upload session: %v", e.Err)
	}
	return fmt.Sprintf("initiate upload session: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// UploadError reports a chunk the endpoint did not accept. Offset is the
// first byte of the rejected chunk.
type UploadError struct {
	StatusCode int
	Offset     int64
	Body       string
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload chunk at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("upload chunk at offset %d: unexpected status %d: %s", e.Offset, e.StatusCode, e.Body)
}

func (e *UploadError) Unwrap() error { return e.Err }
