// Command hlsfetchd downloads a single HLS stream to a local file, driving
// the hlsfetch task manager end to end within one process: the registry is
// in-memory only, so there is nothing to resume across invocations — this
// binary creates a task, starts it, and watches it to a terminal state.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/corvusmedia/hlsfetch"
	"github.com/corvusmedia/hlsfetch/internal/appconfig"
	"github.com/corvusmedia/hlsfetch/internal/logging"
)

var (
	cfgFile        string
	logLevel       string
	downloadDir    string
	title          string
	outputFormat   string
	startSegment   int
	endSegment     int
	bufferInMemory bool
	noDecrypt      bool
	maxRetries     int
	maxBandwidth   int64
	headerFlags    []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hlsfetchd <playlist-url>",
	Short: "Download an HLS media playlist to a single file",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/hlsfetch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.Flags().StringVar(&downloadDir, "download-dir", "", "directory to write output into (default: config setting)")
	rootCmd.Flags().StringVar(&title, "title", "", "output filename stem (sanitized; defaults to \"video\")")
	rootCmd.Flags().StringVar(&outputFormat, "format", "ts", "output container: ts or mp4")
	rootCmd.Flags().IntVar(&startSegment, "start-segment", 0, "1-based first segment to fetch (0 = first)")
	rootCmd.Flags().IntVar(&endSegment, "end-segment", 0, "1-based last segment to fetch (0 = last)")
	rootCmd.Flags().BoolVar(&bufferInMemory, "buffer", false, "buffer segments in memory instead of streaming to disk")
	rootCmd.Flags().BoolVar(&noDecrypt, "no-decrypt", false, "leave AES-128 segments encrypted on disk")
	rootCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "per-segment retry budget (default: config setting)")
	rootCmd.Flags().Int64Var(&maxBandwidth, "max-bandwidth", 0, "bandwidth ceiling in bytes/sec (0 = unlimited)")
	rootCmd.Flags().StringArrayVar(&headerFlags, "header", nil, "extra request header as Key:Value (repeatable)")
}

func runDownload(cmd *cobra.Command, args []string) error {
	v := viper.New()
	cfg, err := appconfig.Load(cfgFile, v)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if downloadDir != "" {
		cfg.DownloadDir = downloadDir
	}
	if maxRetries > 0 {
		cfg.MaxRetries = maxRetries
	}
	if maxBandwidth > 0 {
		cfg.MaxBytesPerSec = maxBandwidth
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	mgr, err := hlsfetch.NewManager(
		hlsfetch.WithDownloadDir(cfg.DownloadDir),
		hlsfetch.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init manager: %w", err)
	}

	headers, err := parseHeaders(headerFlags)
	if err != nil {
		return err
	}

	snap, err := mgr.CreateTask(hlsfetch.CreateTaskOptions{
		URL:            args[0],
		Title:          title,
		OutputFormat:   hlsfetch.OutputFormat(outputFormat),
		StartSegment:   startSegment,
		EndSegment:     endSegment,
		BufferInMemory: bufferInMemory,
		NoDecrypt:      noDecrypt,
		MaxRetries:     cfg.MaxRetries,
		Headers:        headers,
		MaxBytesPerSec: cfg.MaxBytesPerSec,
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	taskID := snap.ID

	if err := mgr.StartTask(taskID); err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return watch(sigCh, mgr, taskID)
}

// watch polls the task's snapshot until it reaches a terminal state,
// printing a live progress line. The first interrupt signal force-saves
// what has been downloaded so far; a second hard-cancels.
func watch(sigCh <-chan os.Signal, mgr *hlsfetch.Manager, taskID string) error {
	interrupts := 0
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			interrupts++
			if interrupts == 1 {
				fmt.Fprintln(os.Stderr, color.YellowString("\ninterrupted: force-saving partial download (press again to cancel)"))
				_ = mgr.ForceSaveTask(taskID)
			} else {
				fmt.Fprintln(os.Stderr, color.RedString("\ncancelling"))
				_ = mgr.CancelTask(taskID)
			}

		case <-ticker.C:
			snap, err := mgr.GetTask(taskID)
			if err != nil {
				return err
			}
			printProgress(snap)
			if snap.Status.IsTerminal() {
				fmt.Fprintln(os.Stderr)
				return summarize(snap)
			}
		}
	}
}

func printProgress(snap hlsfetch.Snapshot) {
	eta := "--"
	if snap.ETASeconds != nil {
		eta = (time.Duration(*snap.ETASeconds) * time.Second).String()
	}
	fmt.Fprintf(os.Stderr, "\r%s %s/%s segments | %s | %s/s | eta %s   ",
		color.CyanString(string(snap.Status)),
		humanize.Comma(int64(snap.Downloaded)), humanize.Comma(int64(snap.TotalSegments)),
		humanize.Bytes(uint64(snap.TotalBytes)),
		humanize.Bytes(uint64(snap.SpeedBps)),
		eta,
	)
}

func summarize(snap hlsfetch.Snapshot) error {
	switch snap.Status {
	case hlsfetch.StateCompleted:
		fmt.Println(color.GreenString("done: %s (%s)", snap.OutputPath, humanize.Bytes(uint64(snap.TotalBytes))))
		if snap.FFmpegMissing {
			fmt.Println(color.YellowString("ffmpeg was not found; output was left as .ts"))
		}
		return nil
	case hlsfetch.StateForced:
		fmt.Println(color.YellowString("partial save: %s (%s)", snap.OutputPath, humanize.Bytes(uint64(snap.TotalBytes))))
		return nil
	case hlsfetch.StateStopped:
		fmt.Println(color.YellowString("cancelled"))
		return nil
	default:
		return fmt.Errorf("download failed: %s", snap.Message)
	}
}

func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --header %q, want Key:Value", h)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
