package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drgolem/go-portaudio/portaudio"
	"github.com/spf13/cobra"

	"github.com/kallio-sound/gapstream/internal/fetch"
	"github.com/kallio-sound/gapstream/internal/playlist"
	"github.com/kallio-sound/gapstream/pkg/clipprocessor"
	"github.com/kallio-sound/gapstream/pkg/clipqueue"
	"github.com/kallio-sound/gapstream/pkg/player"
	"github.com/kallio-sound/gapstream/pkg/scheduler"
	"github.com/kallio-sound/gapstream/pkg/supervisor"
	"github.com/kallio-sound/gapstream/pkg/types"
)

var (
	configPath    string
	baseURLArg    string
	streamVerbose bool
)

var streamCmd = &cobra.Command{
	Use:   "stream <playlist.json>",
	Short: "Run the gapless streaming pipeline against a playlist",
	Long: `Run the gapless streaming pipeline: fetch, clip-process, and play a
continuous stream of songs from a playlist with no silence between tracks.

Examples:
  # Stream a playlist with the default configuration
  gapstream stream playlists/demo.json

  # Stream with a config file overriding defaults
  gapstream stream --config config.json playlists/demo.json

  # Stream from a specific source base URL
  gapstream stream --base-url "https://cdn.example.com/tracks/%s.mp3" playlists/demo.json`,
	Args: cobra.ExactArgs(1),
	Run:  runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringVar(&configPath, "config", "", "Path to a JSON audio config file (overrides defaults)")
	streamCmd.Flags().StringVar(&baseURLArg, "base-url", "", "Source base URL template (fmt.Sprintf with song id)")
	streamCmd.Flags().BoolVarP(&streamVerbose, "verbose", "v", false, "Verbose output (debug logging)")
}

// loadAudioConfig starts from types.DefaultAudioConfig() and merges path's
// JSON onto it, following internal/playlist.Load's read-JSON-apply-defaults
// pattern: json.Unmarshal leaves fields absent from the file untouched, so
// the file only needs to carry the settings it wants to override.
func loadAudioConfig(path string) (types.AudioConfig, error) {
	cfg := types.DefaultAudioConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("stream: read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("stream: decode config %s: %w", path, err)
	}
	return cfg, nil
}

func runStream(cmd *cobra.Command, args []string) {
	playlistPath := args[0]

	logLevel := slog.LevelInfo
	if streamVerbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := loadAudioConfig(configPath)
	if err != nil {
		slog.Error("failed to load audio config", "error", err)
		os.Exit(1)
	}

	songs, err := playlist.Load(playlistPath)
	if err != nil {
		slog.Error("failed to load playlist", "error", err)
		os.Exit(1)
	}
	if len(songs) == 0 {
		slog.Error("playlist is empty", "path", playlistPath)
		os.Exit(1)
	}
	slog.Info("playlist loaded", "path", playlistPath, "songs", len(songs))

	baseURL := baseURLArg
	if baseURL == "" {
		baseURL = "https://%s" // overridden per-deployment; songs fetched by bare id otherwise fail fast
	}
	fetcher := fetch.NewHTTPFetcher(baseURL, cfg.AudioDir)

	queue := clipqueue.New(cfg.WorkerCount)
	processor := clipprocessor.New(cfg, fetcher, queue, logger)

	schedCfg := scheduler.DefaultConfig()
	schedCfg.BufferSeconds = cfg.BufferSeconds
	schedCfg.WorkerCount = cfg.WorkerCount
	schedCfg.QueueCapacity = cfg.WorkerCount
	schedCfg.Shuffle = cfg.Shuffle
	schedCfg.Repeat = cfg.Repeat
	schedCfg.ClipSeconds = cfg.ClipLength

	playerCfg := player.Config{
		SampleRate:      cfg.SampleRate,
		Channels:        cfg.Channels,
		FramesPerBuffer: cfg.FramesPerBuffer,
		BufferSeconds:   cfg.BufferSeconds,
		PrefillTime:     cfg.PrefillTime,
		BufferBackoff:   time.Duration(cfg.BufferBackoff * float64(time.Second)),
		PauseFade:       cfg.PauseFade,
		DeviceIndex:     cfg.DeviceIndex,
		LimiterThresh:   cfg.LimiterThreshold,
	}

	onStatus := func(line string) {
		fmt.Println(line)
	}

	sup := supervisor.New(schedCfg, playerCfg, songs, queue, processor, onStatus)

	slog.Info("initializing PortAudio")
	if err := portaudio.Initialize(); err != nil {
		slog.Error("failed to initialize PortAudio", "error", err)
		slog.Error("hint: make sure PortAudio is installed on your system")
		os.Exit(1)
	}
	defer portaudio.Terminate()

	slog.Info("starting stream", "sample_rate", cfg.SampleRate, "channels", cfg.Channels, "device_index", cfg.DeviceIndex)
	if err := sup.Start(); err != nil {
		slog.Error("failed to start stream", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	slog.Info("signal received, stopping stream", "signal", sig)
	sup.Stop()
	slog.Info("exiting")
}
