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

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
	"github.com/zhouzirui/tavern-stage/internal/service/conversation"
	"github.com/zhouzirui/tavern-stage/internal/service/evaluation"
)

func newChatCmd() *cobra.Command {
	var (
		personaID string
		modelID   string
		situation string
		opponent  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Rehearse a scene against one persona (actor mode)",
		Long:  "Starts an actor-mode session. Type your lines; /retry re-sends a failed request, /eval grades the session, /end and /quit leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := loadStage(ctx)
			if err != nil {
				return err
			}
			personas, err := st.lookup([]string{personaID})
			if err != nil {
				return err
			}
			if opponent == "" {
				opponent = personas[0].Name
			}

			orch, events, closeFn, err := st.open(conversation.Config{
				Mode:     chat.ModeActor,
				Personas: personas,
				ModelID:  modelID,
				Scenario: chat.Scenario{OpponentName: opponent, SituationText: situation},
			})
			if err != nil {
				return err
			}
			defer closeFn()

			return runChat(ctx, orch, events, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&personaID, "persona", "p", "grumpy-landlord", "persona to rehearse against")
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "model id (default: catalog default)")
	cmd.Flags().StringVarP(&situation, "situation", "s", "", "scene description")
	cmd.Flags().StringVar(&opponent, "opponent", "", "display name of the persona (default: persona name)")
	return cmd
}

// rehearsal is the orchestrator surface runChat drives.
type rehearsal interface {
	Start(ctx context.Context) error
	Submit(ctx context.Context, text string) (chat.Message, error)
	Retry(ctx context.Context) error
	End(ctx context.Context) error
	Evaluate(ctx context.Context) (evaluation.Result, error)
}

func runChat(ctx context.Context, orch rehearsal, events <-chan conversation.Event, in io.Reader, out io.Writer) error {
	if err := orch.Start(ctx); err != nil {
		return err
	}

	lines := bufio.NewScanner(in)
	state := conversation.StateIdle
	pending := true
	for {
		if pending {
			var err error
			if state, err = settle(ctx, events, out); err != nil {
				return err
			}
			pending = false
		}
		if state == conversation.StateSessionEnded {
			fmt.Fprintln(out, "== 对戏结束 ==")
			printEvaluation(ctx, orch, out)
			return nil
		}

		fmt.Fprint(out, "> ")
		if !lines.Scan() {
			return lines.Err()
		}
		line := strings.TrimSpace(lines.Text())

		var err error
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/eval":
			printEvaluation(ctx, orch, out)
			continue
		case "/end":
			err = orch.End(ctx)
		case "/retry":
			err = orch.Retry(ctx)
		default:
			_, err = orch.Submit(ctx, line)
		}
		if errors.Is(err, conversation.ErrPrecondition) || errors.Is(err, conversation.ErrEmptyInput) {
			fmt.Fprintf(out, "! %v\n", err)
			if state == conversation.StateFailed {
				fmt.Fprintln(out, "! 上一次请求失败，输入 /retry 重试")
			}
			continue
		}
		if err != nil {
			return err
		}
		pending = true
	}
}

// settle prints events until the session waits for input again.
func settle(ctx context.Context, events <-chan conversation.Event, out io.Writer) (conversation.State, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return conversation.StateSessionEnded, nil
			}
			printEvent(evt, out)
			if evt.Kind != conversation.EventState {
				continue
			}
			switch evt.State {
			case conversation.StateTurnComplete, conversation.StateFailed, conversation.StateSessionEnded:
				return evt.State, nil
			}
		}
	}
}

func printEvent(evt conversation.Event, out io.Writer) {
	switch evt.Kind {
	case conversation.EventMessage:
		if evt.Message != nil && evt.Message.Role == chat.RoleAssistant {
			fmt.Fprintf(out, "%s：%s\n", evt.Message.SpeakerTag, evt.Message.Content)
		}
	case conversation.EventTurn:
		if evt.Turn != nil && evt.Turn.MaxTurns > 0 {
			fmt.Fprintf(out, "   [回合 %d/%d]\n", evt.Turn.TurnCount, evt.Turn.MaxTurns)
		}
	case conversation.EventError:
		fmt.Fprintf(out, "! %s 请求失败（%s）：%s\n", evt.Speaker, evt.Code, evt.Error)
	}
}

func printEvaluation(ctx context.Context, orch rehearsal, out io.Writer) {
	result, err := orch.Evaluate(ctx)
	if err != nil {
		fmt.Fprintf(out, "! %v\n", err)
		return
	}
	fmt.Fprintf(out, "评分：%d\n总结：%s\n建议：%s\n", result.Score, result.Summary, result.Comment)
}
