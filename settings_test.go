package cluster

import (
	"testing"
	"time"

	"github.com/brackenhq/bracken/internal/config"
)

func TestSettingsFromOptionsAppliesDefaults(t *testing.T) {
	t.Setenv("BRACKEN_DISCONNECT_TIMEOUT", "")
	config.Reset()

	s := settingsFromOptions(Options{})
	if s.DisconnectTimeout != 5*time.Second {
		t.Fatalf("DisconnectTimeout = %v, want 5s default", s.DisconnectTimeout)
	}
	if s.KillGracePeriod != 2*time.Second {
		t.Fatalf("KillGracePeriod = %v, want 2s default", s.KillGracePeriod)
	}
}

func TestSettingsFromOptionsExplicitOverridesDefaults(t *testing.T) {
	s := settingsFromOptions(Options{
		Exec:              "/bin/true",
		DisconnectTimeout: 30 * time.Second,
	})
	if s.Exec != "/bin/true" {
		t.Fatalf("Exec = %q, want /bin/true", s.Exec)
	}
	if s.DisconnectTimeout != 30*time.Second {
		t.Fatalf("DisconnectTimeout = %v, want 30s", s.DisconnectTimeout)
	}
}

func TestSettingsFromOptionsFallsBackToExecArgvEnv(t *testing.T) {
	t.Setenv("BRACKEN_EXEC_ARGV", "--foo --bar")
	config.Reset()
	defer config.Reset()

	s := settingsFromOptions(Options{})
	if len(s.ExecArgv) != 2 || s.ExecArgv[0] != "--foo" || s.ExecArgv[1] != "--bar" {
		t.Fatalf("ExecArgv = %v, want [--foo --bar] from BRACKEN_EXEC_ARGV", s.ExecArgv)
	}

	s = settingsFromOptions(Options{ExecArgv: []string{"--explicit"}})
	if len(s.ExecArgv) != 1 || s.ExecArgv[0] != "--explicit" {
		t.Fatalf("ExecArgv = %v, want explicit Options.ExecArgv to win", s.ExecArgv)
	}
}

func TestSettingsCopiesSlicesSoCallerMutationIsIsolated(t *testing.T) {
	argv := []string{"--flag"}
	s := settingsFromOptions(Options{ExecArgv: argv})

	argv[0] = "mutated"

	if s.ExecArgv[0] != "--flag" {
		t.Fatalf("Settings.ExecArgv observed caller mutation: %v", s.ExecArgv)
	}
}
