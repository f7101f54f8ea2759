package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/councilhq/deliberation-client/internal/api"
	"github.com/councilhq/deliberation-client/internal/config"
	"github.com/councilhq/deliberation-client/internal/middleware"
	"github.com/councilhq/deliberation-client/internal/model"
	"github.com/councilhq/deliberation-client/internal/session"
	"github.com/councilhq/deliberation-client/internal/transport"
	"github.com/councilhq/deliberation-client/pkg/logger"
)

func newAskCommand(cfg *config.Config, log *logger.Logger) *cobra.Command {
	var (
		businessID  string
		departments []string
		roles       []string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Submit a question and stream the council deliberation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), cfg, log, session.SendOptions{
				Content:     args[0],
				BusinessID:  businessID,
				Departments: departments,
				Roles:       roles,
			})
		},
	}

	cmd.Flags().StringVar(&businessID, "business", "", "business id to deliberate for")
	cmd.Flags().StringSliceVar(&departments, "department", nil, "departments to consult")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to consult")
	return cmd
}

func runAsk(ctx context.Context, cfg *config.Config, log *logger.Logger, opts session.SendOptions) error {
	token := cfg.AuthToken
	if token == "" {
		// Self-sign a dev token against the default secret, so ask works
		// out of the box against a local serve.
		signed, err := middleware.SignToken(cfg.JWTSecret, "local-user", opts.BusinessID)
		if err != nil {
			return fmt.Errorf("sign dev token: %w", err)
		}
		token = signed
	}

	controller := session.NewController(
		api.New(cfg.BaseURL, token, log),
		session.StreamerOpener{Streamer: transport.New(cfg.BaseURL, token, log)},
		session.UUIDGenerator{},
		log,
	)

	printer := newStagePrinter(os.Stdout)
	controller.SetOnChange(printer.observe)

	// Ctrl-C cancels the in-flight deliberation cooperatively; accumulated
	// stages are printed as-is.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := controller.Send(ctx, opts)
	if err != nil {
		return err
	}

	printer.finish(result)

	if result.Notice != "" {
		log.Warn("deliberation ended with failure notice", zap.String("notice", result.Notice))
		fmt.Fprintf(os.Stderr, "\nnotice: %s\n", result.Notice)
	}
	return nil
}

// stagePrinter tails the chat state, printing chairman tokens as they
// stream and a stage summary at the end.
type stagePrinter struct {
	out     *os.File
	printed int
	started bool
}

func newStagePrinter(out *os.File) *stagePrinter {
	return &stagePrinter{out: out}
}

func (p *stagePrinter) observe(state model.ChatState) {
	msg := state.Current.LastMessage()
	if msg == nil || msg.Role != model.RoleAssistant || msg.Stage3Streaming == nil {
		return
	}
	if !p.started {
		fmt.Fprintln(p.out, "=== chairman synthesis ===")
		p.started = true
	}
	text := msg.Stage3Streaming.Text
	if len(text) > p.printed {
		fmt.Fprint(p.out, text[p.printed:])
		p.printed = len(text)
	}
}

func (p *stagePrinter) finish(result *session.SendResult) {
	msg := result.State.Current.LastMessage()
	if msg == nil {
		return
	}
	fmt.Fprintln(p.out)
	if result.Cancelled {
		fmt.Fprintln(p.out, "(cancelled)")
	}
	fmt.Fprintf(p.out, "\nstage 1 answers: %d finalized, %d streamed\n",
		len(msg.Stage1), len(msg.Stage1Streaming))
	fmt.Fprintf(p.out, "stage 2 reviews: %d finalized, %d streamed\n",
		len(msg.Stage2), len(msg.Stage2Streaming))
	if result.State.Current != nil {
		fmt.Fprintf(p.out, "conversation: %s (%s)\n",
			result.State.Current.Title, result.State.Current.ID)
	}
}
