package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultExtractTimeout bounds a single metadata lookup.
const DefaultExtractTimeout = 2 * time.Minute

// Format is one entry of the extractor's format list.
type Format struct {
	FormatID string  `json:"format_id"`
	Ext      string  `json:"ext"`
	ACodec   string  `json:"acodec"`
	VCodec   string  `json:"vcodec"`
	ABR      float64 `json:"abr"`
}

// Metadata is the subset of the extractor's info JSON the pipeline needs.
// Raw is the full document, replayed to the downloader.
type Metadata struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Formats []Format `json:"formats"`
	Raw     []byte   `json:"-"`
}

// FileName is the destination name: the title with path separators replaced.
func (m *Metadata) FileName() string {
	name := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, strings.TrimSpace(m.Title))
	if name == "" {
		name = m.ID
	}
	if name == "" {
		name = "audio"
	}
	return name + ".mp3"
}

// Extractor resolves a media URL into its info JSON with yt-dlp.
type Extractor struct {
	Path    string
	Timeout time.Duration
}

func (e *Extractor) stage(url string) *CommandStage {
	return &CommandStage{
		Label: "extract",
		Path:  e.Path,
		Args:  []string{"-J", "--no-playlist", "--no-warnings", url},
	}
}

func (e *Extractor) Extract(ctx context.Context, url string) (*Metadata, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out bytes.Buffer
	if err := e.stage(url).Run(ctx, nil, &out); err != nil {
		return nil, err
	}

	var meta Metadata
	if err := json.Unmarshal(out.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("decode info json: %w", err)
	}
	meta.Raw = out.Bytes()
	return &meta, nil
}
