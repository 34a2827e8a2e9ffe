// Package commands provides the tenx CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/serp256/tenx/internal/config"
	"github.com/serp256/tenx/internal/errs"
	"github.com/serp256/tenx/internal/logging"
	"github.com/serp256/tenx/internal/pretty"
	"github.com/serp256/tenx/internal/tenx"
)

var (
	// Version is set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	modelName string
	dialect   string
)

var rootCmd = &cobra.Command{
	Use:   "tenx",
	Short: "tenx - AI-assisted code editing from the command line",
	Long: `tenx keeps a per-project session of prompts and model edits. Each edit is
applied atomically, can be reverted with 'tenx reset', and is followed by
the project's formatters and checks.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "WARN", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "", "Model to use (provider/model-id or dummy)")
	rootCmd.PersistentFlags().StringVar(&dialect, "dialect", "", "Response dialect (tags|markdown)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("tenx %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(newCmd, editCmd, ctxCmd, showCmd, clearCmd)
	rootCmd.AddCommand(codeCmd, fixCmd, retryCmd, resetCmd, checkCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// operation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// Describe renders an error for the terminal.
func Describe(err error) string {
	if errors.Is(err, context.Canceled) {
		return color.YellowString("cancelled")
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return color.RedString("error: ") + e.User
	}
	return color.RedString("error: ") + err.Error()
}

func setupLogging() error {
	cfg := logging.Config{Level: logging.ParseLevel(logLevel)}
	if printLogs {
		cfg.Output = os.Stderr
		cfg.Pretty = true
	} else {
		f, err := logging.OpenFile(config.GetPaths().LogPath())
		if err != nil {
			return err
		}
		cfg.Output = f
	}
	logging.Init(cfg)
	return nil
}

// app loads the project configuration for the working directory, applies
// the global flags, and builds a Tenx.
func app() (*tenx.Tenx, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if modelName != "" {
		cfg.Model = modelName
	}
	if dialect != "" {
		cfg.Dialect = dialect
	}
	return tenx.New(cfg), nil
}

// streamed runs fn with a channel of model output that is printed by a
// separate goroutine. Check progress is printed as it happens.
func streamed(ctx context.Context, tx *tenx.Tenx, w io.Writer, fn func(context.Context, chan<- string) error) error {
	out := &lockedWriter{w: w}
	stopProgress := pretty.Progress(out, tx.Bus())
	defer stopProgress()

	chunks := make(chan string, 64)
	var g errgroup.Group
	g.Go(func() error {
		text := color.New(color.FgHiBlack)
		for c := range chunks {
			text.Fprint(out, c)
		}
		fmt.Fprintln(out)
		return nil
	})

	err := fn(ctx, chunks)
	close(chunks)
	_ = g.Wait()
	return err
}

// lockedWriter serialises writes from the output goroutine and event
// subscribers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
