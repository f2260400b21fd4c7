package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
)

func newDirectCmd() *cobra.Command {
	var (
		personaIDs  []string
		modelID     string
		situation   string
		turns       int
		settleDelay time.Duration
		evaluate    bool
	)

	cmd := &cobra.Command{
		Use:   "direct",
		Short: "Watch two personas play a scene (director mode)",
		Long:  "Starts a director-mode session between two personas and prints their lines until the turn limit or --turns is reached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(personaIDs) != 2 {
				return fmt.Errorf("director mode needs exactly two personas, got %d", len(personaIDs))
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := loadStage(ctx)
			if err != nil {
				return err
			}
			personas, err := st.lookup(personaIDs)
			if err != nil {
				return err
			}

			orch, events, closeFn, err := st.open(conversation.Config{
				Mode:        chat.ModeDirector,
				Personas:    personas,
				ModelID:     modelID,
				Scenario:    chat.Scenario{SituationText: situation},
				SettleDelay: settleDelay,
			})
			if err != nil {
				return err
			}
			defer closeFn()

			out := cmd.OutOrStdout()
			if err := runDirector(ctx, orch, events, turns, out); err != nil {
				return err
			}
			if evaluate {
				printEvaluation(ctx, orch, out)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&personaIDs, "personas", "p", []string{"grumpy-landlord", "anxious-customer"}, "the two personas, in speaking order")
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "model id (default: catalog default)")
	cmd.Flags().StringVarP(&situation, "situation", "s", "", "scene description")
	cmd.Flags().IntVarP(&turns, "turns", "n", 5, "end the scene after this many turns (0 = model limit)")
	cmd.Flags().DurationVar(&settleDelay, "settle", 0, "pause between lines (default: DIRECTOR_SETTLE_DELAY)")
	cmd.Flags().BoolVar(&evaluate, "evaluate", true, "grade the scene when it ends")
	return cmd
}

// director is the orchestrator surface runDirector drives.
type director interface {
	Start(ctx context.Context) error
	Retry(ctx context.Context) error
	End(ctx context.Context) error
}

// runDirector prints the scene until it ends. A failed request is retried
// once; a second failure ends the scene.
func runDirector(ctx context.Context, orch director, events <-chan conversation.Event, turns int, out io.Writer) error {
	if err := orch.Start(ctx); err != nil {
		return err
	}

	retried := false
	for {
		select {
		case <-ctx.Done():
			return orch.End(context.Background())
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Kind {
			case conversation.EventMessage:
				if evt.Message != nil {
					printLine(*evt.Message, out)
				}
				retried = false
			case conversation.EventTurn:
				printEvent(evt, out)
				if turns > 0 && evt.Turn != nil && evt.Turn.TurnCount >= turns {
					if err := orch.End(ctx); err != nil {
						return err
					}
				}
			case conversation.EventError:
				printEvent(evt, out)
				if retried {
					return orch.End(ctx)
				}
				retried = true
			case conversation.EventState:
				if evt.State == conversation.StateFailed && retried {
					if err := orch.Retry(ctx); err != nil {
						return err
					}
				}
			case conversation.EventEnded:
				fmt.Fprintf(out, "== 演出结束（%s）==\n", evt.Reason)
				return nil
			}
		}
	}
}

func printLine(msg chat.Message, out io.Writer) {
	switch msg.SpeakerTag {
	case chat.TagMediator:
		fmt.Fprintf(out, "（导演：%s）\n", msg.Content)
	default:
		fmt.Fprintf(out, "%s：%s\n", msg.SpeakerTag, strings.TrimSpace(msg.Content))
	}
}
