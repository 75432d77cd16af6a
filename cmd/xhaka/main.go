package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xhaka",
	Short: "xhaka converts media URLs to MP3 and uploads them to a cloud folder",
	Long: `xhaka extracts the best audio stream of a media URL with yt-dlp,
transcodes it to MP3 with ffmpeg and streams the result into a cloud-storage
folder through a resumable chunked upload.

Examples:
  # Run the HTTP service and its workers
  xhaka serve

  # Delete expired job records once
  xhaka sweep

  # Convert one URL synchronously
  xhaka convert --url https://www.youtube.com/watch?v=dQw4w9WgXcQ --folder-id 1AbC`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(convertCmd)
}
