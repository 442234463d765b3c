package cluster

import (
	"time"

	"github.com/brackenhq/bracken/internal/config"
)

// Options configures a Supervisor at SetupMaster time. Exec defaults to
// the current executable (os.Executable) when empty. Zero-value
// duration fields fall back to the package defaults loaded from the
// environment by internal/config.
type Options struct {
	Exec     string
	ExecArgv []string
	Args     []string
	Silent   bool

	DisconnectTimeout time.Duration
	KillGracePeriod   time.Duration
	RequestTimeout    time.Duration
}

// Settings is the frozen snapshot of an Options value captured the
// first time SetupMaster runs. It never changes afterward: mutating a
// struct a caller happens to still hold a reference to cannot affect
// workers forked later.
type Settings struct {
	Exec     string
	ExecArgv []string
	Args     []string
	Silent   bool

	DisconnectTimeout time.Duration
	KillGracePeriod   time.Duration
	RequestTimeout    time.Duration
}

func settingsFromOptions(opts Options) Settings {
	defaults := config.Load()

	execArgv := opts.ExecArgv
	if len(execArgv) == 0 {
		execArgv = defaults.ExecArgv
	}

	s := Settings{
		Exec:              opts.Exec,
		ExecArgv:          append([]string(nil), execArgv...),
		Args:              append([]string(nil), opts.Args...),
		Silent:            opts.Silent || defaults.Silent,
		DisconnectTimeout: opts.DisconnectTimeout,
		KillGracePeriod:   opts.KillGracePeriod,
		RequestTimeout:    opts.RequestTimeout,
	}
	if s.DisconnectTimeout == 0 {
		s.DisconnectTimeout = defaults.DisconnectTimeout
	}
	if s.KillGracePeriod == 0 {
		s.KillGracePeriod = defaults.KillGracePeriod
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = defaults.RequestTimeout
	}
	return s
}
