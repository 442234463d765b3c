// Package cluster lets a process fork copies of itself and transparently
// share server listening sockets across the resulting workers. One
// process takes the supervisor role and owns the worker pool; every
// process it forks takes the worker role and talks back to it over a
// private channel.
//
// A process discovers its own role at startup, once, by the presence of
// the BRACKEN_UNIQUE_ID environment variable: a worker inherits it from
// its supervisor, a freshly started supervisor never sets it for itself.
package cluster

import (
	"os"

	"github.com/brackenhq/bracken/internal/config"
)

// IsMaster reports whether this process is running in the supervisor
// role. IsMaster and IsWorker are always exact opposites.
var IsMaster bool

// IsWorker reports whether this process is running in the worker role,
// i.e. whether it was started by a supervisor's Fork call.
var IsWorker bool

// uniqueID is this worker's identity as assigned by its supervisor. It
// is the empty string in the master role.
var uniqueID string

func init() {
	uniqueID = os.Getenv(config.UniqueIDEnv)
	IsWorker = uniqueID != ""
	IsMaster = !IsWorker
}

func requireMaster() {
	if !IsMaster {
		panic("cluster: this call is only valid in the master role")
	}
}

func requireWorker() {
	if !IsWorker {
		panic("cluster: this call is only valid in the worker role")
	}
}
