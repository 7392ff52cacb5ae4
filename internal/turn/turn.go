// Package turn drives the reply cycle of a call: each final transcript is
// answered by the chat model, synthesized, and handed back as audio.
package turn

import (
	"context"
	"fmt"
	"time"

	"github.com/user/callpersona/internal/types"
)

// Status represents the lifecycle state of a Turn.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Stage names a fallible step of a turn.
type Stage string

const (
	StageCompletion Stage = "completion"
	StageSynthesis  Stage = "synthesis"
	StageEmit       Stage = "emit"
)

// StageError reports the stage at which a turn was aborted.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Turn tracks one utterance from enqueue to emitted audio. Fields other than
// ID and Text are written by the worker and are safe to read after Wait
// returns.
type Turn struct {
	ID        types.TurnID
	Text      string
	Status    Status
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
	Reply     string
	AudioLen  int
	Err       error

	done chan struct{}
}

func newTurn(text string) *Turn {
	return &Turn{
		ID:        types.NewTurnID(),
		Text:      text,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (t *Turn) finish(status Status, err error) {
	t.Status = status
	t.Err = err
	t.EndedAt = time.Now()
	close(t.done)
}

// Wait blocks until the turn has finished or ctx is done.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the turn has finished.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}
