package ipc

// Handler processes one internal-namespace message and, if the message
// carried a request echo token, returns the envelope to reply with. A
// nil return for a message that requested an echo produces the empty
// echo (an envelope carrying only the matching _queryEcho), per the
// protocol's unknown-command fallback.
type Handler func(from int, env Envelope, handle interface{}) *Envelope

// Dispatcher routes internal-namespace messages to registered handlers
// by bare command name.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher returns a dispatcher with no handlers registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Handle registers fn for the given bare command name (without the
// reserved-namespace prefix). Registering the same command twice
// replaces the previous handler.
func (d *Dispatcher) Handle(bare string, fn Handler) {
	d.handlers[bare] = fn
}

// Dispatch routes env to its registered handler, if env.Cmd is internal
// and known. It returns (reply, true) when a reply should be sent back
// (either a handler-produced reply or the empty echo for an unknown
// command carrying a request echo), or (zero, false) when nothing should
// be sent.
func (d *Dispatcher) Dispatch(from int, env Envelope, handle interface{}) (Envelope, bool) {
	if !IsInternal(env.Cmd) {
		return Envelope{}, false
	}
	bare := Bare(env.Cmd)
	fn, ok := d.handlers[bare]
	if !ok {
		if env.RequestEcho == "" {
			return Envelope{}, false
		}
		return Envelope{QueryEcho: env.RequestEcho}, true
	}
	reply := fn(from, env, handle)
	if reply == nil {
		if env.RequestEcho == "" {
			return Envelope{}, false
		}
		return Envelope{QueryEcho: env.RequestEcho}, true
	}
	return *reply, true
}
