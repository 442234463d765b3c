package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// UniqueIDEnv is the environment variable a worker process uses to
// discover its own role and identity. Its presence marks a process as
// running in the worker role; its absence marks the master role.
const UniqueIDEnv = "BRACKEN_UNIQUE_ID"

// DebugEnv turns on diagnostic logging when its value contains the
// channel name being checked as a substring.
const DebugEnv = "BRACKEN_DEBUG"

// Settings carries supervisor defaults overridable from the environment.
// A value is loaded once at process start and then frozen; explicit
// overrides passed to SetupMaster take precedence over anything here.
type Settings struct {
	Silent            bool
	ExecArgv          []string
	DisconnectTimeout time.Duration
	KillGracePeriod   time.Duration
	RequestTimeout    time.Duration
}

var (
	loadedOnce sync.Once
	loaded     Settings
)

// Load returns the process-wide default Settings, populated from the
// environment the first time it is called and cached after that.
func Load() Settings {
	loadedOnce.Do(func() {
		loaded = Settings{
			Silent:            boolEnv("BRACKEN_SILENT", false),
			ExecArgv:          fieldsEnv("BRACKEN_EXEC_ARGV"),
			DisconnectTimeout: durationEnv("BRACKEN_DISCONNECT_TIMEOUT", 5*time.Second),
			KillGracePeriod:   durationEnv("BRACKEN_KILL_GRACE_PERIOD", 2*time.Second),
			RequestTimeout:    durationEnv("BRACKEN_REQUEST_TIMEOUT", 10*time.Second),
		}
	})
	return loaded
}

// Reset clears the cached Settings so the next Load call re-reads the
// environment. Intended for use from tests only.
func Reset() {
	loadedOnce = sync.Once{}
}

func boolEnv(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// fieldsEnv splits name's value on whitespace, the way a shell would
// split an argv list, returning nil when the variable is unset.
func fieldsEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	return strings.Fields(v)
}

func durationEnv(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// DebugChannelEnabled reports whether BRACKEN_DEBUG is set to a value
// that contains channel as a substring.
func DebugChannelEnabled(channel string) bool {
	v := os.Getenv(DebugEnv)
	if v == "" {
		return false
	}
	return strings.Contains(v, channel)
}

// Debugf writes a diagnostic line to standard error, prefixed with the
// process id and role, if the "cluster" debug channel is enabled. role
// is "Master" or "Worker".
func Debugf(role string, format string, args ...any) {
	if !DebugChannelEnabled("cluster") {
		return
	}
	fmt.Fprintf(os.Stderr, "%d,%s %s\n", os.Getpid(), role, fmt.Sprintf(format, args...))
}
