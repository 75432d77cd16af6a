package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const (
	// ChunkSize is the fixed chunk length; resumable endpoints require
	// non-final chunks to be a multiple of 256 KiB.
	ChunkSize = 256 * 1024

	DefaultEndpoint = "https://www.googleapis.com/upload/drive/v3/files"

	statusResumeIncomplete = http.StatusPermanentRedirect // 308
	maxErrorBody           = 512
)

// Metadata is the JSON body of a session initiation.
type Metadata struct {
	Name    string   `json:"name"`
	Parents []string `json:"parents"`
}

// NewMetadata builds the metadata for a file named name inside folderID.
// An empty folderID targets the root.
func NewMetadata(name, folderID string) Metadata {
	parents := []string{}
	if folderID != "" {
		parents = append(parents, folderID)
	}
	return Metadata{Name: name, Parents: parents}
}

// Session is an open resumable upload. NextOffset only moves forward.
type Session struct {
	ID         string
	NextOffset int64

	credential string
}

// Outcome is the endpoint's verdict on one chunk.
type Outcome int

const (
	OutcomeIncomplete Outcome = iota
	OutcomeComplete
)

func (o Outcome) String() string {
	if o == OutcomeComplete {
		return "complete"
	}
	return "incomplete"
}

// Result summarizes a finished upload.
type Result struct {
	SessionID string
	Size      int64
	Chunks    int
}

// Client speaks the resumable upload protocol against one endpoint.
type Client struct {
	endpoint  string
	http      *resty.Client
	chunkSize int
	log       zerolog.Logger
}

type Option func(*Client)

// WithChunkSize overrides ChunkSize. Intended for tests.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithTimeout bounds every single request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

func NewClient(endpoint string, log zerolog.Logger, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	httpClient := resty.New().
		SetHeader("User-Agent", "xhaka-uploader/1.0").
		SetRetryCount(0).
		// 308 is the protocol's "resume incomplete", not a redirect.
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	c := &Client{
		endpoint:  endpoint,
		http:      httpClient,
		chunkSize: ChunkSize,
		log:       log.With().Str("component", "uploader").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initiate opens a session for meta and returns its token.
func (c *Client) Initiate(ctx context.Context, credential string, meta Metadata) (*Session, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(credential).
		SetQueryParam("uploadType", "resumable").
		SetHeader("Content-Type", "application/json; charset=UTF-8").
		SetBody(meta).
		Post(c.endpoint)
	if err != nil {
		return nil, &InitiationError{Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &InitiationError{StatusCode: resp.StatusCode(), Body: truncate(resp.String())}
	}

	loc := resp.Header().Get("Location")
	if loc == "" {
		return nil, &InitiationError{StatusCode: resp.StatusCode(), Err: errors.New("response has no Location header")}
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil, &InitiationError{StatusCode: resp.StatusCode(), Err: fmt.Errorf("parse Location: %w", err)}
	}
	id := u.Query().Get("upload_id")
	if id == "" {
		return nil, &InitiationError{StatusCode: resp.StatusCode(), Err: fmt.Errorf("no upload_id in Location %q", loc)}
	}

	c.log.Debug().Str("upload_id", id).Str("name", meta.Name).Msg("upload session opened")
	return &Session{ID: id, credential: credential}, nil
}

// SendChunk transmits chunk at s.NextOffset. The final chunk declares the
// total length; an empty final chunk only closes the session.
func (c *Client) SendChunk(ctx context.Context, s *Session, chunk []byte, final bool) (Outcome, error) {
	start := s.NextOffset
	size := int64(len(chunk))

	var contentRange string
	switch {
	case !final && size == 0:
		return OutcomeIncomplete, &UploadError{Offset: start, Err: errors.New("empty non-final chunk")}
	case !final:
		contentRange = fmt.Sprintf("bytes %d-%d/*", start, start+size-1)
	case size == 0:
		contentRange = fmt.Sprintf("bytes */%d", start)
	default:
		contentRange = fmt.Sprintf("bytes %d-%d/%d", start, start+size-1, start+size)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(s.credential).
		SetQueryParams(map[string]string{
			"uploadType": "resumable",
			"upload_id":  s.ID,
		}).
		SetHeader("Content-Range", contentRange).
		SetHeader("Content-Length", strconv.FormatInt(size, 10)).
		SetBody(bytes.NewReader(chunk)).
		Put(c.endpoint)
	if err != nil {
		return OutcomeIncomplete, &UploadError{Offset: start, Err: err}
	}

	status := resp.StatusCode()
	c.log.Debug().
		Str("upload_id", s.ID).
		Str("content_range", contentRange).
		Int("status", status).
		Msg("chunk sent")

	switch {
	case status == statusResumeIncomplete && !final:
		s.NextOffset += size
		return OutcomeIncomplete, nil
	case (status == http.StatusOK || status == http.StatusCreated) && final:
		s.NextOffset += size
		return OutcomeComplete, nil
	default:
		return OutcomeIncomplete, &UploadError{StatusCode: status, Offset: start, Body: truncate(resp.String())}
	}
}

// Upload streams r into a new file described by meta. Chunks are read with
// io.ReadFull; a short read marks the final chunk, so a source ending exactly
// on a chunk boundary is closed by an extra empty chunk.
func (c *Client) Upload(ctx context.Context, credential string, meta Metadata, r io.Reader) (*Result, error) {
	s, err := c.Initiate(ctx, credential, meta)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, c.chunkSize)
	chunks := 0
	for {
		n, readErr := io.ReadFull(r, buf)
		final := false
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			final = true
		default:
			c.abort(ctx, s)
			return nil, fmt.Errorf("read upload source: %w", readErr)
		}

		outcome, err := c.SendChunk(ctx, s, buf[:n], final)
		if err != nil {
			c.abort(ctx, s)
			return nil, err
		}
		chunks++
		if outcome == OutcomeComplete {
			c.log.Info().
				Str("upload_id", s.ID).
				Int64("size", s.NextOffset).
				Int("chunks", chunks).
				Msg("upload completed")
			return &Result{SessionID: s.ID, Size: s.NextOffset, Chunks: chunks}, nil
		}
	}
}

// Abort cancels the session. Endpoints answer a cancelled session with 499
// or 204; both count as success.
func (c *Client) Abort(ctx context.Context, s *Session) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(s.credential).
		SetQueryParams(map[string]string{
			"uploadType": "resumable",
			"upload_id":  s.ID,
		}).
		Delete(c.endpoint)
	if err != nil {
		return fmt.Errorf("abort upload %s: %w", s.ID, err)
	}
	if status := resp.StatusCode(); status != 499 && (status < 200 || status > 299) {
		return fmt.Errorf("abort upload %s: unexpected status %d", s.ID, status)
	}
	return nil
}

func (c *Client) abort(ctx context.Context, s *Session) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Abort(abortCtx, s); err != nil {
		c.log.Warn().Err(err).Str("upload_id", s.ID).Msg("failed to abort upload session")
	}
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
