package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	profileparser "github.com/zhouzirui/memochat/backend/internal/analysis/profile"
	"github.com/zhouzirui/memochat/backend/internal/app"
	"github.com/zhouzirui/memochat/backend/internal/config"
	"github.com/zhouzirui/memochat/backend/internal/service/chat"
)

const rule = "============================================================"

func chatCmd() *cobra.Command {
	var (
		userID   string
		noStream bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			application, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer application.Memory.Close()

			r := &repl{
				chat:   application.Chat,
				userID: userID,
				stream: cfg.AI.StreamResponse && !noStream,
				in:     cmd.InOrStdin(),
				out:    cmd.OutOrStdout(),
			}
			return r.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "demo_user", "user id whose memory is used")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print replies only once complete")
	return cmd
}

// repl is the interactive chat loop.
type repl struct {
	chat   *chat.Service
	userID string
	stream bool
	in     io.Reader
	out    io.Writer
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, rule)
	fmt.Fprintln(r.out, "🤖 INTERACTIVE CHAT WITH MEMORY")
	fmt.Fprintln(r.out, rule)
	fmt.Fprintf(r.out, "📝 Window: %d turns\n", r.chat.Window())
	fmt.Fprintf(r.out, "👤 User: %s\n", r.userID)
	fmt.Fprintln(r.out, "💡 Commands: 'exit' to quit, '/memory', '/profile', '/flush', '/clear'")
	fmt.Fprintln(r.out, rule)
	fmt.Fprintln(r.out)

	scanner := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out, "\n👋 Goodbye!")
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "exit", "quit":
			r.exit(ctx)
			return nil
		case "/memory":
			r.showMemory(ctx)
		case "/profile":
			r.showProfile(ctx)
		case "/flush":
			r.flush(ctx)
		case "/clear":
			r.chat.Clear(r.userID)
			fmt.Fprintln(r.out, "🧹 Conversation buffer cleared.")
			fmt.Fprintln(r.out)
		default:
			r.turn(ctx, input)
		}
	}
}

func (r *repl) turn(ctx context.Context, input string) {
	fmt.Fprint(r.out, "AI: ")

	var (
		result chat.Result
		err    error
	)
	if r.stream {
		result, err = r.chat.SubmitStream(ctx, r.userID, input, func(delta string) {
			fmt.Fprint(r.out, delta)
		})
		fmt.Fprintln(r.out)
	} else {
		result, err = r.chat.Submit(ctx, r.userID, input)
		if err == nil {
			fmt.Fprintln(r.out, result.Reply)
		}
	}
	if err != nil {
		fmt.Fprintf(r.out, "❌ Error: %v\n\n", err)
		return
	}
	fmt.Fprintln(r.out)

	switch {
	case result.AutoFlushed:
		fmt.Fprintf(r.out, "💾 [Auto-flush] %d turns completed. Memory saved! (Total turns: %d)\n\n", r.chat.Window(), result.TurnCount)
	case result.FlushErr != nil:
		fmt.Fprintf(r.out, "⚠️  [Auto-flush] failed: %v\n\n", result.FlushErr)
	}
}

func (r *repl) flush(ctx context.Context) {
	fmt.Fprintln(r.out, "💾 Flushing memory...")
	if err := r.chat.Flush(ctx, r.userID); err != nil {
		fmt.Fprintf(r.out, "❌ Error: %v\n\n", err)
		return
	}
	fmt.Fprintln(r.out, "✅ Memory flushed successfully!")
	fmt.Fprintln(r.out)
}

func (r *repl) exit(ctx context.Context) {
	state, err := r.chat.State(r.userID)
	if err == nil && state.Pending() > 0 {
		fmt.Fprintln(r.out, "💾 Saving remaining conversations...")
		if err := r.chat.Flush(ctx, r.userID); err != nil {
			fmt.Fprintf(r.out, "❌ Error: %v\n", err)
		} else {
			fmt.Fprintln(r.out, "✅ Memory saved!")
		}
	} else if err != nil && !errors.Is(err, chat.ErrSessionNotFound) {
		fmt.Fprintf(r.out, "❌ Error: %v\n", err)
	}
	fmt.Fprintln(r.out, "👋 Goodbye!")
}

func (r *repl) showMemory(ctx context.Context) {
	fmt.Fprintln(r.out, rule)
	fmt.Fprintln(r.out, "📚 LONG-TERM MEMORY")
	fmt.Fprintln(r.out, rule)

	memory, err := r.chat.Memory(ctx, r.userID)
	switch {
	case err != nil:
		fmt.Fprintf(r.out, "❌ Error: %v\n", err)
	case strings.TrimSpace(memory) == "":
		fmt.Fprintln(r.out, "[No long-term memory stored yet]")
	default:
		fmt.Fprintln(r.out, memory)
	}
	fmt.Fprintln(r.out, rule)
	fmt.Fprintln(r.out)
}

func (r *repl) showProfile(ctx context.Context) {
	view, err := r.chat.Profile(ctx, r.userID)
	if err != nil {
		fmt.Fprintf(r.out, "❌ Error: %v\n\n", err)
		return
	}

	sections := profileparser.Sections(view.Profile)
	if len(sections) == 0 {
		fmt.Fprintln(r.out, "[No profile information yet]")
		fmt.Fprintln(r.out)
		return
	}

	for _, section := range sections {
		fmt.Fprintf(r.out, "%s %s\n", section.Icon, section.Title)
		for _, field := range section.Fields {
			fmt.Fprintf(r.out, "   %s: %s\n", field.Label, strings.Join(field.Values, ", "))
		}
	}
	fmt.Fprintf(r.out, "(source: %s)\n\n", view.Source)
}
