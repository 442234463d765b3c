// Package ipc implements the framed message protocol used between a
// supervisor and its workers: a JSON envelope with request/echo
// correlation, a reserved command namespace for protocol-internal
// traffic, and an out-of-band path for passing an open file handle
// alongside a message.
package ipc

import (
	"encoding/json"
	"strings"
)

// internalPrefix marks a cmd value as belonging to the reserved
// supervisor/worker control namespace rather than to user traffic
// relayed verbatim between the two sides.
const internalPrefix = "BRACKEN_CLUSTER_"

// Reserved bare command names. Prefixed with internalPrefix on the wire.
const (
	CmdOnline      = "online"
	CmdQueryServer = "queryServer"
	CmdListening   = "listening"
	CmdSuicide     = "suicide"
	CmdDisconnect  = "disconnect"
)

// Envelope is the wire shape of every message exchanged over a process
// channel, internal or user-level.
type Envelope struct {
	Cmd         string          `json:"cmd,omitempty"`
	RequestEcho string          `json:"_requestEcho,omitempty"`
	QueryEcho   string          `json:"_queryEcho,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Address     string          `json:"address,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// Internal wraps a bare reserved command name with the protocol prefix.
func Internal(bare string) string {
	return internalPrefix + bare
}

// IsInternal reports whether cmd belongs to the reserved namespace.
func IsInternal(cmd string) bool {
	return strings.HasPrefix(cmd, internalPrefix)
}

// Bare strips the reserved-namespace prefix, returning cmd unchanged if
// it isn't prefixed.
func Bare(cmd string) string {
	if IsInternal(cmd) {
		return cmd[len(internalPrefix):]
	}
	return cmd
}

// QueryServerArgs is the payload of a queryServer request: a
// fingerprint identifying the listen call being deduplicated, plus the
// network and address the supervisor binds when the fingerprint is new.
type QueryServerArgs struct {
	Fingerprint string `json:"fingerprint"`
	Address     string `json:"address"`
	Network     string `json:"network"`
}

// QueryServerResult is the reply payload. The listener handle is not
// part of it: a successful reply carries a duplicated listener fd
// alongside the envelope, out of band, via the channel's handle-carrying
// send.
type QueryServerResult struct {
	Fingerprint string `json:"fingerprint"`
	Err         string `json:"err,omitempty"`
}

// ListeningArgs announces a worker-local listener came up, identified
// by the same fingerprint used for the corresponding queryServer.
type ListeningArgs struct {
	Fingerprint string `json:"fingerprint"`
	Address     string `json:"address"`
}

// OnlineArgs is sent by a freshly spawned worker once its channel is
// usable, before any other traffic.
type OnlineArgs struct {
	WorkerID int `json:"workerID"`
}

// SuicideArgs reports whether the worker's exit was requested via
// Disconnect/Destroy (true) or happened on its own (false).
type SuicideArgs struct {
	Suicide bool `json:"suicide"`
}
