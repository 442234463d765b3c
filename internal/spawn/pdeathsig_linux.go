//go:build linux

package spawn

import "syscall"

// setPdeathsig asks the kernel to SIGKILL the worker if its supervisor
// dies before it, so an orphaned worker does not outlive the cluster it
// belonged to.
func setPdeathsig(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
