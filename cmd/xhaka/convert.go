package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xhaka/xhaka/internal/config"
	"github.com/xhaka/xhaka/internal/logger"
	"github.com/xhaka/xhaka/internal/pipeline"
)

var convertFlags struct {
	url        string
	folderID   string
	credential string
}

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert one URL and upload it, without the job store",
	Long: `convert runs the extract, download, transcode and upload pipeline once
in the foreground. The access token comes from --credential or, when the flag
is empty, from XHAKA_CREDENTIAL.`,
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertFlags.url, "url", "", "media URL to convert (required)")
	convertCmd.Flags().StringVar(&convertFlags.folderID, "folder-id", "", "destination folder id; empty uploads to the root")
	convertCmd.Flags().StringVar(&convertFlags.credential, "credential", "", "OAuth access token for the upload endpoint")
	convertCmd.MarkFlagRequired("url") //nolint:errcheck
}

func runConvert(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadTool()
	if err != nil {
		return err
	}
	log := logger.New(cfg)

	credential := convertFlags.credential
	if credential == "" {
		credential = os.Getenv("XHAKA_CREDENTIAL")
	}
	if credential == "" {
		return errors.New("no credential: pass --credential or set XHAKA_CREDENTIAL")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := newRunner(cfg, log).Run(ctx, pipeline.Request{
		URL:        convertFlags.url,
		FolderID:   convertFlags.folderID,
		Credential: credential,
	})
	if err != nil {
		var f *pipeline.Failure
		if errors.As(err, &f) {
			return fmt.Errorf("%s failed: %s", f.Kind, f.Diagnostic)
		}
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %q (format %s, %d bytes in %d chunks, session %s)\n",
		res.FileName, res.FormatID, res.Upload.Size, res.Upload.Chunks, res.Upload.SessionID)
	return nil
}
