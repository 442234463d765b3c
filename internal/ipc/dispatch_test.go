package ipc

import "testing"

func TestDispatchKnownCommand(t *testing.T) {
	d := NewDispatcher()
	var gotFrom int
	d.Handle(CmdOnline, func(from int, env Envelope, handle interface{}) *Envelope {
		gotFrom = from
		return &Envelope{QueryEcho: env.RequestEcho, Content: []byte(`"ack"`)}
	})

	reply, ok := d.Dispatch(7, Envelope{Cmd: Internal(CmdOnline), RequestEcho: "t1"}, nil)
	if !ok {
		t.Fatal("expected a reply")
	}
	if gotFrom != 7 {
		t.Fatalf("handler saw from=%d, want 7", gotFrom)
	}
	if reply.QueryEcho != "t1" {
		t.Fatalf("reply echo = %q, want t1", reply.QueryEcho)
	}
}

func TestDispatchUnknownCommandEmptyEcho(t *testing.T) {
	d := NewDispatcher()

	reply, ok := d.Dispatch(1, Envelope{Cmd: Internal("bogus"), RequestEcho: "tok"}, nil)
	if !ok {
		t.Fatal("expected the empty echo to be sent")
	}
	if reply.QueryEcho != "tok" || len(reply.Content) != 0 || reply.Cmd != "" {
		t.Fatalf("got %+v, want an empty echo carrying only QueryEcho", reply)
	}
}

func TestDispatchUnknownCommandNoEchoRequested(t *testing.T) {
	d := NewDispatcher()

	_, ok := d.Dispatch(1, Envelope{Cmd: Internal("bogus")}, nil)
	if ok {
		t.Fatal("expected no reply when no echo was requested")
	}
}

func TestDispatchIgnoresNonInternalMessages(t *testing.T) {
	d := NewDispatcher()
	d.Handle(CmdOnline, func(int, Envelope, interface{}) *Envelope {
		t.Fatal("handler should not run for a non-internal command")
		return nil
	})

	_, ok := d.Dispatch(1, Envelope{Content: []byte(`"hi"`)}, nil)
	if ok {
		t.Fatal("expected no dispatch for a user message")
	}
}
