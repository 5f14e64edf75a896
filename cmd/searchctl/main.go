// Command searchctl administers the PSADT search collections from the
// command line: resyncs, resets, ad-hoc queries, health and seeding.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psadtpro/psadt-search/engine/domain"
	"github.com/psadtpro/psadt-search/engine/service"
	"github.com/psadtpro/psadt-search/pkg/config"
)

var (
	envFile    string
	jsonOutput bool
	verbose    bool

	svc *service.Service
)

var rootCmd = &cobra.Command{
	Use:           "searchctl",
	Short:         "Administer the PSADT vector search collections",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return openService(cmd.Context())
	},
	PersistentPostRunE: func(*cobra.Command, []string) error {
		if svc == nil {
			return nil
		}
		return svc.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(resyncCmd, syncCmd, resetCmd, stateCmd)
	rootCmd.AddCommand(searchCmd, embedCmd)
	rootCmd.AddCommand(healthCmd, collectionsCmd, seedCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openService(ctx context.Context) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg := config.Load()
	if verbose {
		cfg.LogLevel = "debug"
	}
	logger := cfg.Logger()
	if !verbose {
		// Keep stdout clean for command output.
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	slog.SetDefault(logger)

	s, err := service.Open(ctx, cfg, logger, service.Options{})
	if err != nil {
		return fmt.Errorf("open service: %w", err)
	}
	svc = s
	return nil
}

// kindsOf resolves a kind argument; "all" or no argument selects every
// configured kind.
func kindsOf(args []string, configured []domain.RecordKind) ([]domain.RecordKind, error) {
	if len(args) == 0 || args[0] == "all" {
		return configured, nil
	}
	kind, err := domain.ParseKind(args[0])
	if err != nil {
		return nil, err
	}
	return []domain.RecordKind{kind}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
