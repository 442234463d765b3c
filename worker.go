package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/brackenhq/bracken/internal/ipc"
	"github.com/brackenhq/bracken/internal/spawn"
)

// WorkerState is a Worker's position in the lifecycle state machine.
// Transitions only move forward: Spawning -> Online -> Listening ->
// Disconnecting -> Disconnected -> Dead, with Listening skippable (a
// worker that never calls Listen goes straight from Online to
// Disconnecting) and Disconnecting skippable on a hard Destroy.
// Disconnected marks that the process channel has closed; Dead marks
// that the process itself has exited, which may happen on a later tick.
type WorkerState int32

const (
	WorkerSpawning WorkerState = iota
	WorkerOnline
	WorkerListening
	WorkerDisconnecting
	WorkerDisconnected
	WorkerDead
)

func (s WorkerState) String() string {
	switch s {
	case WorkerSpawning:
		return "spawning"
	case WorkerOnline:
		return "online"
	case WorkerListening:
		return "listening"
	case WorkerDisconnecting:
		return "disconnecting"
	case WorkerDisconnected:
		return "disconnected"
	case WorkerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Worker is the supervisor's record of one forked child. Exactly one
// Worker exists per live child; it is removed from its Supervisor's
// table when its channel closes, just before EventDisconnect is
// emitted, which precedes the terminal EventExit.
type Worker struct {
	ID    int
	RunID string

	sup  *Supervisor
	ch   *ipc.Channel
	proc *spawn.Process

	events chan Event

	mu           sync.Mutex
	state        WorkerState
	suicide      bool
	fingerprints map[string]struct{}
}

func newWorker(id int, runID string, sup *Supervisor, ch *ipc.Channel) *Worker {
	return &Worker{
		ID:           id,
		RunID:        runID,
		sup:          sup,
		ch:           ch,
		events:       make(chan Event, 32),
		state:        WorkerSpawning,
		fingerprints: make(map[string]struct{}),
	}
}

// Events returns the channel this worker's lifecycle and message
// events are delivered on. It is closed after EventExit is delivered.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	if s > w.state {
		w.state = s
	}
	w.mu.Unlock()
}

func (w *Worker) emit(evt Event) {
	select {
	case w.events <- evt:
	default:
		// A slow consumer must not stall the connection's read loop;
		// dropping is preferable to head-of-line blocking every worker.
	}
}

// Send relays content to the worker as a non-internal message. It is
// the Go analogue of writing to a worker's IPC channel with a plain
// payload.
func (w *Worker) Send(ctx context.Context, content any) error {
	w.mu.Lock()
	dead := w.state == WorkerDisconnected || w.state == WorkerDead
	w.mu.Unlock()
	if dead {
		return ErrWorkerExited
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("cluster: encode message: %w", err)
	}
	return w.ch.Send(ipc.Envelope{Content: raw})
}

// Disconnect asks the worker to shut down gracefully: it stops accepting
// new connections on any shared listener it holds, waits for its
// in-flight handles to drain on its own terms, and exits by itself.
// Disconnect returns once the worker's process has exited (after its
// EventExit), the caller's ctx is cancelled, or the supervisor's
// DisconnectTimeout elapses, whichever comes first; in the latter two
// cases the worker is then Destroyed.
func (w *Worker) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	if w.state == WorkerDead {
		w.mu.Unlock()
		return nil
	}
	if w.state < WorkerDisconnecting {
		w.state = WorkerDisconnecting
	}
	w.suicide = true
	w.mu.Unlock()

	if err := w.ch.Send(ipc.Envelope{Cmd: ipc.Internal(ipc.CmdDisconnect)}); err != nil {
		return w.Destroy()
	}

	if w.sup.settings.DisconnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.sup.settings.DisconnectTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		w.sup.waitExit(w.ID)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return w.Destroy()
	}
}

// Destroy kills the worker immediately without giving it a chance to
// finish in-flight work. As with Disconnect, an exit caused by Destroy
// counts as a supervisor-requested exit (Suicide is true).
func (w *Worker) Destroy() error {
	w.mu.Lock()
	w.suicide = true
	w.mu.Unlock()
	return w.sup.killWorker(w.ID)
}
