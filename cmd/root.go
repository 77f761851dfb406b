package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gapstream",
	Short: "Gapless internet radio streaming player",
	Long: `gapstream - a continuous, gapless music-streaming pipeline.

Songs are fetched, clipped, crossfaded, and handed to a real-time audio
player with no silence between tracks.

Features:
  - Scheduler + worker pool that fetches and clip-processes songs ahead of playback
  - Equal-sum linear crossfade joins between clips for gapless transitions
  - Support for MP3, FLAC, and WAV audio formats
  - Configurable buffer sizes and audio devices
  - Sample rate transformation and format conversion

Commands:
  - stream: Run the gapless streaming pipeline against a playlist
  - transform: Convert audio files to different sample rates and WAV format`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
