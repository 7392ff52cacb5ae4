package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/callpersona/internal/conversation"
	"github.com/user/callpersona/internal/transcript"
	"github.com/user/callpersona/internal/turn"
	"github.com/user/callpersona/pkg/llm"
)

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().String("scenario", "", "scenario id (default from config)")
	simulateCmd.Flags().String("from", "", "replay the USER lines of this transcript instead of reading stdin")
	simulateCmd.Flags().Bool("save", false, "save the simulated call as a transcript")
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Talk to a scenario persona in text, without audio",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

// textVoice stands in for speech synthesis: the "audio" is the reply text.
type textVoice struct{}

func (textVoice) Synthesize(_ context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	scenarioID, _ := cmd.Flags().GetString("scenario")
	from, _ := cmd.Flags().GetString("from")
	save, _ := cmd.Flags().GetBool("save")
	if scenarioID == "" {
		scenarioID = cfg.Scenarios.Default
	}

	lines, err := callerLines(cmd.InOrStdin(), from, cfg.Transcripts.Dir)
	if err != nil {
		return err
	}

	sc, prompt := loadScenarios(cfg).SystemPrompt(scenarioID)
	budget, err := newBudget(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	state := conversation.New(prompt)
	ctrl := turn.New(state, newProvider(cfg), textVoice{}, func(reply []byte) error {
		_, err := fmt.Fprintln(out, transcript.FormatMessage(llm.Message{Role: llm.RoleAssistant, Content: string(reply)}))
		return err
	}, turn.Config{
		CompletionTimeout: cfg.Session.CompletionTimeout.D(),
		Budget:            budget,
		Logger:            slog.Default(),
	})

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctrl.Start(ctx)
	defer ctrl.Stop(cfg.Session.CloseGrace.D())

	fmt.Fprintf(out, "Simulating scenario %s (%s)\n", sc.ID, sc.Name)
	for _, line := range lines {
		fmt.Fprintln(out, transcript.FormatMessage(llm.Message{Role: llm.RoleUser, Content: line}))
		t, err := ctrl.OnFinalTranscript(line)
		if err != nil {
			return err
		}
		if err := t.Wait(ctx); err != nil {
			return err
		}
		if t.Status == turn.StatusFailed {
			fmt.Fprintf(out, "(no reply: %v)\n", t.Err)
		}
	}

	if save {
		rec := transcript.Record{
			StreamSID: fmt.Sprintf("SIM%d", time.Now().Unix()),
			Scenario:  sc.ID,
			Messages:  state.Snapshot(),
			EndedAt:   time.Now(),
		}
		store := transcript.NewFileStore(cfg.Transcripts.Dir)
		if err := store.Flush(ctx, rec); err != nil {
			return err
		}
		fmt.Fprintln(out, "Saved", transcript.FileName(rec.Scenario, rec.StreamSID))
	}
	return nil
}

// callerLines returns the caller utterances to replay: the USER messages of
// the transcript at from, or one non-blank line of r each.
func callerLines(r io.Reader, from, dir string) ([]string, error) {
	if from != "" {
		msgs, err := transcript.NewFileStore(dir).Read(from)
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, m := range msgs {
			if m.Role == llm.RoleUser && strings.TrimSpace(m.Content) != "" {
				lines = append(lines, strings.TrimSpace(m.Content))
			}
		}
		return lines, nil
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read caller lines: %w", err)
	}
	return lines, nil
}
