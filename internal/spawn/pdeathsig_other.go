//go:build unix && !linux

package spawn

import "syscall"

// setPdeathsig is a no-op outside Linux: Pdeathsig has no portable
// equivalent, so an orphaned worker on these platforms relies on the
// accidental-exit path instead.
func setPdeathsig(attr *syscall.SysProcAttr) {}
