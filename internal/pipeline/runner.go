package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/xhaka/xhaka/internal/metrics"
	"github.com/xhaka/xhaka/internal/telemetry"
	"github.com/xhaka/xhaka/internal/upload"
)

var errStageExited = errors.New("downstream stage exited")

// Uploader is the sink of the pipeline.
type Uploader interface {
	Upload(ctx context.Context, credential string, meta upload.Metadata, r io.Reader) (*upload.Result, error)
}

type Options struct {
	YtDLPPath      string
	FFmpegPath     string
	AudioExts      []string
	ExtractTimeout time.Duration
}

// Request is one conversion.
type Request struct {
	URL        string
	FolderID   string
	Credential string
}

type Result struct {
	Title    string
	FileName string
	FormatID string
	Upload   *upload.Result
}

// Runner runs extract → download → transcode → upload for one request.
type Runner struct {
	extractor *Extractor
	ytdlp     string
	ffmpeg    string
	exts      []string
	uploader  Uploader
	log       zerolog.Logger
}

func NewRunner(opts Options, uploader Uploader, log zerolog.Logger) *Runner {
	if opts.YtDLPPath == "" {
		opts.YtDLPPath = "yt-dlp"
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	return &Runner{
		extractor: &Extractor{Path: opts.YtDLPPath, Timeout: opts.ExtractTimeout},
		ytdlp:     opts.YtDLPPath,
		ffmpeg:    opts.FFmpegPath,
		exts:      opts.AudioExts,
		uploader:  uploader,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the whole pipeline. Any error it returns is a *Failure.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	extractCtx, span := telemetry.StartStageSpan(ctx, "extract")
	meta, err := r.extractor.Extract(extractCtx, req.URL)
	telemetry.RecordError(span, err)
	span.End()
	if err != nil {
		return nil, newFailure(KindExtraction, err)
	}

	res := &Result{
		Title:    meta.Title,
		FileName: meta.FileName(),
		FormatID: SelectAudioFormat(meta.Formats, r.exts),
	}
	r.log.Debug().
		Str("title", res.Title).
		Str("format", res.FormatID).
		Msg("metadata extracted")

	uploadStage := &FuncStage{
		Label: "upload",
		Fn: func(ctx context.Context, in io.Reader, _ io.Writer) error {
			out, err := r.uploader.Upload(ctx, req.Credential, upload.NewMetadata(res.FileName, req.FolderID), in)
			if err != nil {
				return err
			}
			metrics.UploadBytes.Add(float64(out.Size))
			res.Upload = out
			return nil
		},
	}

	steps := []Step{
		{Kind: KindDownload, Stage: r.downloadStage(res.FormatID)},
		{Kind: KindTranscode, Stage: r.transcodeStage()},
		{Kind: KindUpload, Stage: uploadStage},
	}
	if err := RunChain(ctx, bytes.NewReader(meta.Raw), steps); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *Runner) downloadStage(format string) *CommandStage {
	return &CommandStage{
		Label: "download",
		Path:  r.ytdlp,
		Args:  []string{"-q", "--no-warnings", "--load-info-json", "-", "-f", format, "-o", "-"},
	}
}

func (r *Runner) transcodeStage() *CommandStage {
	return &CommandStage{
		Label: "transcode",
		Path:  r.ffmpeg,
		Args:  []string{"-i", "pipe:0", "-vn", "-ab", "128k", "-ar", "44100", "-f", "mp3", "-v", "error", "pipe:1"},
	}
}

// Step is a stage plus the kind its failures are reported as.
type Step struct {
	Kind  Kind
	Stage Stage
}

// RunChain runs steps concurrently, each reading the previous one's output.
// The first step to fail decides the returned *Failure; its failure cancels
// the others and closes every pipe so nothing stays blocked.
func RunChain(ctx context.Context, src io.Reader, steps []Step) error {
	if len(steps) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)

	var (
		once  sync.Once
		first *Failure
	)
	// recorded before any pipe is closed, so failures caused by the closing
	// can never come first. After the caller cancels, the cause is recorded
	// in place of whatever the stage saw.
	fail := func(kind Kind, err error) {
		once.Do(func() {
			if ctx.Err() != nil {
				err = context.Cause(ctx)
			}
			first = newFailure(kind, err)
		})
	}

	var writers []*io.PipeWriter
	in := src
	for i, step := range steps {
		var (
			out  io.Writer = io.Discard
			pw   *io.PipeWriter
			next *io.PipeReader
		)
		if i < len(steps)-1 {
			next, pw = io.Pipe()
			out = pw
			writers = append(writers, pw)
		}

		stageIn := in
		g.Go(func() error {
			stageCtx, span := telemetry.StartStageSpan(gctx, step.Stage.Name())
			defer span.End()

			err := step.Stage.Run(stageCtx, stageIn, out)
			if err != nil {
				fail(step.Kind, err)
				telemetry.RecordError(span, err)
			}
			if pw != nil {
				pw.CloseWithError(err)
			}
			if pr, ok := stageIn.(*io.PipeReader); ok {
				pr.CloseWithError(errStageExited)
			}
			return err
		})
		if next != nil {
			in = next
		}
	}

	// closing the writer side unblocks both ends; readers then see the cause
	// instead of io.ErrClosedPipe
	go func() {
		<-gctx.Done()
		cause := context.Cause(gctx)
		for _, pw := range writers {
			pw.CloseWithError(cause)
		}
	}()

	if err := g.Wait(); err != nil {
		if first != nil {
			return first
		}
		return newFailure(steps[0].Kind, err)
	}
	return nil
}
