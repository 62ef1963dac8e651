package console

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInProgress rejects an action that is already running.
var ErrInProgress = errors.New("action already in progress")

type ActionStatus string

const (
	StatusInProgress ActionStatus = "in_progress"
	StatusSucceeded  ActionStatus = "succeeded"
	StatusFailed     ActionStatus = "failed"
)

// Action is the latest run of a named user action.
type Action struct {
	Name       string       `json:"name"`
	Status     ActionStatus `json:"status"`
	Message    string       `json:"message,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt,omitzero"`
}

type tracker struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	actions map[string]Action
}

func newTracker(log *zap.Logger) *tracker {
	return &tracker{log: log, now: time.Now, actions: make(map[string]Action)}
}

// run executes fn unless an action with the same name is in flight. fn's
// message is kept on success; the error text is kept on failure.
func (t *tracker) run(ctx context.Context, name string, fn func(ctx context.Context) (string, error)) error {
	t.mu.Lock()
	if a, ok := t.actions[name]; ok && a.Status == StatusInProgress {
		t.mu.Unlock()
		return ErrInProgress
	}
	t.actions[name] = Action{Name: name, Status: StatusInProgress, StartedAt: t.now()}
	t.mu.Unlock()

	msg, err := fn(ctx)

	t.mu.Lock()
	a := t.actions[name]
	a.FinishedAt = t.now()
	if err != nil {
		a.Status = StatusFailed
		a.Message = err.Error()
	} else {
		a.Status = StatusSucceeded
		a.Message = msg
	}
	t.actions[name] = a
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("action failed", zap.String("action", name), zap.Error(err))
	}
	return err
}

// progress updates the message of a running action.
func (t *tracker) progress(name, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.actions[name]; ok && a.Status == StatusInProgress {
		a.Message = msg
		t.actions[name] = a
	}
}

func (t *tracker) snapshot() []Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Action, 0, len(t.actions))
	for _, a := range t.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
