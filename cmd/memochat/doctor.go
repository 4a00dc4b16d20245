package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/memochat/backend/internal/app"
	"github.com/zhouzirui/memochat/backend/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Self-check: verify .env, model credentials and the memory backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "=== Environment ===")
			if _, err := os.Stat(".env"); err != nil {
				fmt.Fprintln(out, "  .env: not found (using process environment)")
			} else {
				fmt.Fprintln(out, "  .env: found")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			fmt.Fprintln(out, "\n=== Model ===")
			fmt.Fprintf(out, "  Provider: %s\n", cfg.AI.Provider)
			if cfg.AI.Enabled() {
				fmt.Fprintln(out, "  Credentials: OK")
			} else {
				fmt.Fprintln(out, "  Credentials: MISSING")
			}

			fmt.Fprintln(out, "\n=== Memory ===")
			fmt.Fprintf(out, "  Backend: %s\n", cfg.Memory.Backend)
			fmt.Fprintf(out, "  Window: %d turns, flush delay %s, context budget %d tokens\n",
				cfg.Memory.Window, cfg.Memory.FlushDelay, cfg.Memory.MaxContextSize)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := app.NewStore(ctx, cfg.Memory, nil)
			if err != nil {
				fmt.Fprintf(out, "  Status: ERROR (%v)\n", err)
				return nil
			}
			defer store.Close()

			if err := store.Ping(ctx); err != nil {
				fmt.Fprintf(out, "  Status: UNREACHABLE (%v)\n", err)
			} else {
				fmt.Fprintln(out, "  Status: OK")
			}
			return nil
		},
	}
}
