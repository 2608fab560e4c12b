package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"convindex/cmd/internal/indexer"
	"convindex/cmd/internal/realtime"
	"convindex/cmd/internal/replay"

	"github.com/spf13/cobra"
)

type cliFlags struct {
	configPath string
	logLevel   string
	project    string
	batch      int
}

// NewRootCommand builds the convindex command tree.
func NewRootCommand() *cobra.Command {
	var f cliFlags

	root := &cobra.Command{
		Use:           "convindex",
		Short:         "Conversation indexer for protocol event streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "Path to a TOML config file (default: $CONVINDEX_CONFIG or ./convindex.toml)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	root.AddCommand(newServeCommand(&f), newReplayCommand(&f))
	return root
}

func newServeCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket snapshot server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadWithFlags(f)
			if err != nil {
				return err
			}
			a, err := New(cfg, NewLogger(cfg.Log))
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newReplayCommand(f *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Index a JSONL event log and print the final snapshot",
		Example: `  convindex replay --project 31933:ab12:demo events.jsonl
  cat events.jsonl | convindex replay --project 31933:ab12:demo -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithFlags(f)
			if err != nil {
				return err
			}
			// Logs go to stderr so stdout stays a clean JSON document.
			log := newLoggerTo(cmd.ErrOrStderr(), cfg.Log)

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open event log: %w", err)
				}
				defer file.Close()
				in = file
			}

			eng := indexer.NewEngine(f.project, indexer.WithLogger(log))
			res, err := replay.Run(cmd.Context(), log, in, eng, f.batch)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(realtime.StateToWire(res.State))
		},
	}
	cmd.Flags().StringVar(&f.project, "project", "", "Project coordinate stamped on the snapshot")
	cmd.Flags().IntVar(&f.batch, "batch", replay.DefaultBatchSize, "Events per batch")
	return cmd
}

func loadWithFlags(f *cliFlags) (Config, error) {
	cfg, err := LoadConfig(f.configPath)
	if err != nil {
		return Config{}, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	return cfg, nil
}

// Run is the CLI entrypoint used by cmd/convindex.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return NewRootCommand().ExecuteContext(ctx)
}
