package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/brackenhq/bracken/internal/config"
	"github.com/brackenhq/bracken/internal/ipc"
	"github.com/brackenhq/bracken/internal/listener"
	"github.com/brackenhq/bracken/internal/spawn"
)

// WorkerSelf is a worker process's view of its own membership in a
// cluster: its channel back to the supervisor, the shared listeners it
// has acquired, and the disconnect handshake.
type WorkerSelf struct {
	ch      *ipc.Channel
	pending *ipc.PendingTable

	events chan Event

	mu            sync.Mutex
	state         WorkerState
	sharedListens map[string]net.Listener
	disconnecting bool
	suicide       bool
}

var (
	selfOnce     sync.Once
	selfInstance *WorkerSelf
)

// Self returns this process's WorkerSelf, connecting to the supervisor
// on first call. It panics if called outside the worker role, or if the
// process channel the supervisor is expected to have provided is
// missing, both are bootstrap contract violations, not runtime errors
// a caller could sensibly recover from.
func Self() *WorkerSelf {
	requireWorker()
	selfOnce.Do(func() {
		conn, err := spawn.ChildChannel()
		if err != nil {
			panic(fmt.Sprintf("cluster: worker bootstrap: %v", err))
		}
		w := &WorkerSelf{
			ch:            ipc.NewChannel(conn),
			pending:       ipc.NewPendingTable(),
			events:        make(chan Event, 32),
			sharedListens: make(map[string]net.Listener),
		}
		selfInstance = w
		go w.readLoop()

		wid, _ := strconv.Atoi(os.Getenv(config.UniqueIDEnv))
		config.Debugf("Worker", "sending online message")
		args, _ := json.Marshal(ipc.OnlineArgs{WorkerID: wid})
		_ = w.ch.Send(ipc.Envelope{Cmd: ipc.Internal(ipc.CmdOnline), Args: args})

		w.mu.Lock()
		w.state = WorkerOnline
		w.mu.Unlock()
	})
	return selfInstance
}

// Events returns the channel non-internal messages from the supervisor
// and disconnect notifications are delivered on.
func (w *WorkerSelf) Events() <-chan Event {
	return w.events
}

// State returns this process's own view of its lifecycle state, mirroring
// the state the supervisor's Worker record holds for it.
func (w *WorkerSelf) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Send relays content to the supervisor as a non-internal message.
func (w *WorkerSelf) Send(ctx context.Context, content any) error {
	w.mu.Lock()
	closed := w.disconnecting
	w.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("cluster: encode message: %w", err)
	}
	return w.ch.Send(ipc.Envelope{Content: raw})
}

// Listen binds network/address, transparently sharing the underlying
// listening socket with every other worker that calls Listen with the
// same network and address: the first caller across the whole cluster
// causes an actual bind on the supervisor, and every caller (including
// the first) gets back a listener backed by a duplicate of that same
// socket.
func (w *WorkerSelf) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	fp := listener.Fingerprint(network, address)

	w.mu.Lock()
	if ln, ok := w.sharedListens[fp]; ok {
		w.mu.Unlock()
		return ln, nil
	}
	w.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		if timeout := config.Load().RequestTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	token := w.pending.NextToken()
	replyCh := w.pending.Register(token)

	args, _ := json.Marshal(ipc.QueryServerArgs{Fingerprint: fp, Address: address, Network: network})
	if err := w.ch.Send(ipc.Envelope{
		Cmd:         ipc.Internal(ipc.CmdQueryServer),
		RequestEcho: token,
		Args:        args,
	}); err != nil {
		w.pending.Cancel(token)
		return nil, fmt.Errorf("cluster: query shared listener: %w", err)
	}

	select {
	case r := <-replyCh:
		var result ipc.QueryServerResult
		if len(r.Env.Content) > 0 {
			_ = json.Unmarshal(r.Env.Content, &result)
		}
		if result.Err != "" {
			return nil, fmt.Errorf("cluster: %s", result.Err)
		}
		f, _ := r.Handle.(*os.File)
		if f == nil {
			return nil, ErrBindFailed
		}
		defer f.Close()

		ln, err := net.FileListener(f)
		if err != nil {
			return nil, fmt.Errorf("cluster: wrap shared listener: %w", err)
		}

		w.mu.Lock()
		w.sharedListens[fp] = ln
		w.state = WorkerListening
		w.mu.Unlock()

		listeningArgs, _ := json.Marshal(ipc.ListeningArgs{Fingerprint: fp, Address: address})
		_ = w.ch.Send(ipc.Envelope{Cmd: ipc.Internal(ipc.CmdListening), Args: listeningArgs})

		return ln, nil
	case <-ctx.Done():
		w.pending.Cancel(token)
		return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err())
	}
}

// Suicide reports whether Disconnect has run on this worker, whether
// at the supervisor's request or called directly by the worker's own
// code, marking its eventual exit as intentional.
func (w *WorkerSelf) Suicide() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suicide
}

// Disconnect tells the supervisor this worker is exiting voluntarily,
// closing every shared listener it holds first. It does not itself
// terminate the process; the caller decides when to exit after any
// remaining cleanup. It is idempotent: calling it more than once, or
// after the supervisor's own disconnect handler has already invoked it,
// is a no-op.
func (w *WorkerSelf) Disconnect() error {
	w.mu.Lock()
	if w.disconnecting {
		w.mu.Unlock()
		return nil
	}
	w.disconnecting = true
	w.suicide = true
	w.state = WorkerDisconnecting
	for fp, ln := range w.sharedListens {
		ln.Close()
		delete(w.sharedListens, fp)
	}
	w.mu.Unlock()

	config.Debugf("Worker", "disconnect")
	args, _ := json.Marshal(ipc.SuicideArgs{Suicide: true})
	err := w.ch.Send(ipc.Envelope{Cmd: ipc.Internal(ipc.CmdSuicide), Args: args})
	w.ch.Close()

	w.mu.Lock()
	w.state = WorkerDisconnected
	w.mu.Unlock()

	return err
}

func (w *WorkerSelf) readLoop() {
	for {
		env, handle, err := w.ch.Recv()
		if err != nil {
			w.mu.Lock()
			graceful := w.disconnecting
			w.mu.Unlock()
			close(w.events)
			if !graceful {
				// The supervisor's end of the channel closed without a
				// disconnect handshake: this worker has been orphaned.
				// It exits rather than continue running unsupervised.
				os.Exit(0)
			}
			return
		}

		if env.Cmd == ipc.Internal(ipc.CmdDisconnect) {
			if env.RequestEcho != "" {
				_ = w.ch.Send(ipc.Envelope{QueryEcho: env.RequestEcho})
			}
			w.emit(Event{Kind: EventDisconnect})
			w.Disconnect()
			continue
		}

		if env.QueryEcho != "" {
			w.pending.Resolve(env.QueryEcho, env, handle)
			continue
		}

		w.emit(Event{Kind: EventMessage, Message: env.Content})
	}
}

func (w *WorkerSelf) emit(evt Event) {
	select {
	case w.events <- evt:
	default:
	}
}
