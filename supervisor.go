package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/brackenhq/bracken/internal/config"
	"github.com/brackenhq/bracken/internal/ipc"
	"github.com/brackenhq/bracken/internal/listener"
	"github.com/brackenhq/bracken/internal/spawn"
)

// Supervisor owns a pool of forked workers and the shared-listener
// registry they bind through. Construct one with NewSupervisor; there
// is no package-level default instance, so a process may run more than
// one independent worker pool if it needs to.
type Supervisor struct {
	setupOnce sync.Once
	settings  Settings

	registry   *listener.Registry
	dispatcher *ipc.Dispatcher

	mu      sync.Mutex
	nextID  int
	workers map[int]*Worker
	exited  map[int]chan struct{}
}

// NewSupervisor returns a Supervisor with no workers and unpopulated
// Settings; the first call to SetupMaster or Fork resolves Settings
// from the given Options (or defaults, if Fork is called directly).
func NewSupervisor() *Supervisor {
	requireMaster()
	s := &Supervisor{
		registry: listener.NewRegistry(),
		workers:  make(map[int]*Worker),
		exited:   make(map[int]chan struct{}),
	}
	s.dispatcher = ipc.NewDispatcher()
	s.dispatcher.Handle(ipc.CmdOnline, s.handleOnline)
	s.dispatcher.Handle(ipc.CmdListening, s.handleListening)
	s.dispatcher.Handle(ipc.CmdSuicide, s.handleSuicide)
	return s
}

// SetupMaster resolves this Supervisor's Settings from opts. It is
// idempotent: only the first call's opts take effect, and every call
// returns the same Settings value. Calling SetupMaster is optional;
// Fork calls it with zero-value Options if it hasn't run yet.
func (s *Supervisor) SetupMaster(opts Options) Settings {
	s.setupOnce.Do(func() {
		s.settings = settingsFromOptions(opts)
	})
	return s.Settings()
}

// Settings returns a copy of the Settings captured by the first
// SetupMaster (or implicit-default) call, slices included. It is the
// zero value before that has happened.
func (s *Supervisor) Settings() Settings {
	out := s.settings
	out.ExecArgv = append([]string(nil), s.settings.ExecArgv...)
	out.Args = append([]string(nil), s.settings.Args...)
	return out
}

// Fork spawns one new worker process. env overrides/extends the
// process environment the worker inherits, on top of Settings. Fork
// returns once the child process has started and its channel is
// established; it does not block on the worker announcing itself
// online (consume Worker.Events for that).
func (s *Supervisor) Fork(ctx context.Context, env map[string]string) (*Worker, error) {
	s.SetupMaster(Options{})

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	envList := make([]string, 0, len(env)+1)
	envList = append(envList, config.UniqueIDEnv+"="+fmt.Sprintf("%d", id))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	proc, err := spawn.Spawn(ctx, spawn.Options{
		Exec:     s.settings.Exec,
		ExecArgv: s.settings.ExecArgv,
		Args:     s.settings.Args,
		Env:      envList,
		Silent:   s.settings.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: fork worker %d: %w", id, err)
	}

	ch := ipc.NewChannel(proc.Channel)
	w := newWorker(id, uuid.New().String(), s, ch)
	w.proc = proc

	s.mu.Lock()
	s.workers[id] = w
	s.exited[id] = make(chan struct{})
	s.mu.Unlock()

	config.Debugf("Master", "forked worker %d (pid %d)", id, proc.Cmd.Process.Pid)

	go s.readLoop(w)

	return w, nil
}

// Workers returns a snapshot of every worker currently tracked by the
// supervisor (spawned and whose process channel has not yet closed).
func (s *Supervisor) Workers() []*Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out
}

// Worker looks up a tracked worker by id.
func (s *Supervisor) Worker(id int) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// Disconnect gracefully disconnects every tracked worker and waits for
// all of them to exit or for ctx to be canceled. With zero workers it
// returns immediately.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	workers := s.Workers()
	if len(workers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			errs[i] = w.Disconnect(ctx)
		}(i, w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) waitExit(id int) {
	s.mu.Lock()
	ch, ok := s.exited[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	<-ch
}

// killWorker terminates a worker's process, giving it up to the
// supervisor's KillGracePeriod to exit after SIGTERM before escalating
// to SIGKILL.
func (s *Supervisor) killWorker(id int) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	s.mu.Unlock()
	if !ok {
		return ErrWorkerNotFound
	}
	if w.proc == nil || w.proc.Cmd.Process == nil {
		return nil
	}

	pid := w.proc.PID()
	if err := w.proc.Signal(syscall.SIGTERM); err != nil {
		return w.proc.Signal(syscall.SIGKILL)
	}

	deadline := time.Now().Add(s.settings.KillGracePeriod)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return nil
		}
		time.Sleep(25 * time.Millisecond)
	}
	if pidAlive(pid) {
		return w.proc.Signal(syscall.SIGKILL)
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	// kill(pid, 0) also succeeds for a zombie, a process that has exited
	// but not been reaped yet. Where /proc is available, count it as gone.
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	if i := bytes.LastIndexByte(stat, ')'); i >= 0 && i+2 < len(stat) {
		return stat[i+2] != 'Z'
	}
	return true
}

// readLoop pumps frames off one worker's channel until it closes, then
// tears the worker down.
func (s *Supervisor) readLoop(w *Worker) {
	for {
		env, handle, err := w.ch.Recv()
		if err != nil {
			s.finishWorker(w, err)
			return
		}

		if env.Cmd == ipc.Internal(ipc.CmdQueryServer) {
			s.handleQueryServer(w, env)
			continue
		}

		if ipc.IsInternal(env.Cmd) {
			reply, ok := s.dispatcher.Dispatch(w.ID, env, handle)
			if ok {
				_ = w.ch.Send(reply)
			}
			continue
		}

		if env.QueryEcho != "" || env.RequestEcho != "" {
			// Reply to a request the supervisor itself issued to this
			// worker via Send; user code observes those through
			// whatever mechanism it used to issue the request. This
			// port does not yet issue supervisor-initiated requests,
			// so such a frame only arises from a misbehaving peer.
			continue
		}

		w.emit(Event{Kind: EventMessage, Message: env.Content})
	}
}

func (s *Supervisor) finishWorker(w *Worker, cause error) {
	w.mu.Lock()
	if w.state == WorkerDisconnected || w.state == WorkerDead {
		w.mu.Unlock()
		return
	}
	w.state = WorkerDisconnected
	suicide := w.suicide
	fingerprints := w.fingerprints
	w.fingerprints = nil
	w.mu.Unlock()

	for fp := range fingerprints {
		_ = s.registry.Release(fp)
	}

	_ = w.ch.Close()

	if cause != nil && !errors.Is(cause, io.EOF) {
		w.emit(Event{Kind: EventError, Err: cause})
	}

	// The record leaves the table as soon as the channel is gone, not
	// when the process itself finally exits: a caller watching
	// Supervisor.Workers has no way to observe the difference between
	// "shutting down" and "gone" once the channel is closed.
	s.mu.Lock()
	delete(s.workers, w.ID)
	s.mu.Unlock()

	config.Debugf("Master", "disconnect event for worker %d", w.ID)
	w.emit(Event{Kind: EventDisconnect})

	exitCode := 0
	var exitErr error
	if w.proc != nil {
		exitErr = w.proc.Wait()
		if exitErr != nil {
			if exit, ok := exitErr.(interface{ ExitCode() int }); ok {
				exitCode = exit.ExitCode()
			}
		}
	}
	if exitErr == nil && cause != nil {
		exitErr = cause
	}

	w.setState(WorkerDead)
	config.Debugf("Master", "exit event for worker %d (code %d, suicide %v)", w.ID, exitCode, suicide)
	w.emit(Event{Kind: EventExit, Suicide: suicide, ExitCode: exitCode, ExitErr: exitErr})
	close(w.events)

	s.mu.Lock()
	if ch, ok := s.exited[w.ID]; ok {
		close(ch)
		delete(s.exited, w.ID)
	}
	s.mu.Unlock()
}

// --- internal message handlers -------------------------------------------

func (s *Supervisor) handleOnline(from int, env ipc.Envelope, _ interface{}) *ipc.Envelope {
	w, ok := s.Worker(from)
	if !ok {
		return nil
	}
	w.setState(WorkerOnline)
	w.emit(Event{Kind: EventOnline})
	return nil
}

func (s *Supervisor) handleListening(from int, env ipc.Envelope, _ interface{}) *ipc.Envelope {
	w, ok := s.Worker(from)
	if !ok {
		return nil
	}
	var args ipc.ListeningArgs
	_ = json.Unmarshal(env.Args, &args)
	w.setState(WorkerListening)
	w.emit(Event{Kind: EventListening, Address: args.Address})
	return nil
}

func (s *Supervisor) handleSuicide(from int, env ipc.Envelope, _ interface{}) *ipc.Envelope {
	w, ok := s.Worker(from)
	if !ok {
		return nil
	}
	var args ipc.SuicideArgs
	_ = json.Unmarshal(env.Args, &args)
	w.mu.Lock()
	w.suicide = w.suicide || args.Suicide
	w.mu.Unlock()
	return nil
}

// handleQueryServer resolves a worker's request to bind (or join) a
// shared listener. It bypasses the generic Dispatcher because a
// successful reply must carry a duplicated listener handle, which the
// Dispatcher's plain-Envelope return value has no way to express.
func (s *Supervisor) handleQueryServer(w *Worker, env ipc.Envelope) {
	var args ipc.QueryServerArgs
	if err := json.Unmarshal(env.Args, &args); err != nil {
		_ = w.ch.Send(ipc.Envelope{QueryEcho: env.RequestEcho})
		return
	}

	ln, err := s.registry.Acquire(context.Background(), args.Fingerprint, func() (net.Listener, error) {
		return net.Listen(args.Network, args.Address)
	})
	if err != nil {
		result, _ := json.Marshal(ipc.QueryServerResult{Fingerprint: args.Fingerprint, Err: err.Error()})
		_ = w.ch.Send(ipc.Envelope{QueryEcho: env.RequestEcho, Content: result})
		return
	}

	f, closeF, err := listenerFile(ln)
	if err != nil {
		result, _ := json.Marshal(ipc.QueryServerResult{Fingerprint: args.Fingerprint, Err: err.Error()})
		_ = w.ch.Send(ipc.Envelope{QueryEcho: env.RequestEcho, Content: result})
		return
	}
	defer closeF()

	w.mu.Lock()
	if w.fingerprints != nil {
		w.fingerprints[args.Fingerprint] = struct{}{}
	}
	w.mu.Unlock()

	result, _ := json.Marshal(ipc.QueryServerResult{Fingerprint: args.Fingerprint})
	_ = w.ch.SendHandle(ipc.Envelope{QueryEcho: env.RequestEcho, Content: result}, f)
}

// listenerFile extracts a duplicated *os.File backing ln, for the
// families this package supports sharing (TCP and Unix). The returned
// close func releases the dup this call made; the original ln is
// untouched.
func listenerFile(ln net.Listener) (*os.File, func(), error) {
	type filer interface {
		File() (*os.File, error)
	}
	fl, ok := ln.(filer)
	if !ok {
		return nil, func() {}, fmt.Errorf("cluster: listener type %T cannot be shared", ln)
	}
	f, err := fl.File()
	if err != nil {
		return nil, func() {}, err
	}
	return f, func() { f.Close() }, nil
}
