package pipeline

import (
	"errors"
	"fmt"

	"github.com/xhaka/xhaka/internal/upload"
)

// Kind names the pipeline step a failure is attributed to.
type Kind string

const (
	KindExtraction Kind = "extraction"
	KindDownload   Kind = "download"
	KindTranscode  Kind = "transcode"
	KindInitiation Kind = "initiation"
	KindUpload     Kind = "upload"
)

// Failure is the single error a pipeline run returns.
type Failure struct {
	Kind       Kind
	Diagnostic string
	Err        error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Diagnostic)
}

func (f *Failure) Unwrap() error { return f.Err }

// newFailure attributes err to kind, unless err is an upload protocol error
// which carries its own kind.
func newFailure(kind Kind, err error) *Failure {
	var initErr *upload.InitiationError
	var upErr *upload.UploadError
	switch {
	case errors.As(err, &initErr):
		kind = KindInitiation
	case errors.As(err, &upErr):
		kind = KindUpload
	}
	return &Failure{Kind: kind, Diagnostic: diagnostic(err), Err: err}
}

func diagnostic(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Diagnostic()
	}
	return err.Error()
}
