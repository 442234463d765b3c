package ipc

import (
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newChannelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	f1 := os.NewFile(uintptr(fds[0]), "a")
	f2 := os.NewFile(uintptr(fds[1]), "b")

	c1, err := net.FileConn(f1)
	if err != nil {
		t.Fatalf("fileconn a: %v", err)
	}
	c2, err := net.FileConn(f2)
	if err != nil {
		t.Fatalf("fileconn b: %v", err)
	}
	f1.Close()
	f2.Close()

	uc1, ok := c1.(*net.UnixConn)
	if !ok {
		t.Fatalf("not a unix conn")
	}
	uc2, ok := c2.(*net.UnixConn)
	if !ok {
		t.Fatalf("not a unix conn")
	}

	return NewChannel(uc1), NewChannel(uc2)
}

func TestChannelSendRecvRoundTrip(t *testing.T) {
	a, b := newChannelPair(t)
	defer a.Close()
	defer b.Close()

	msg := Envelope{Cmd: Internal(CmdOnline), Args: []byte(`{"workerID":3}`)}
	if err := a.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, handle, err := b.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if handle != nil {
		t.Fatalf("unexpected handle on plain send")
	}
	if got.Cmd != msg.Cmd || string(got.Args) != string(msg.Args) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestChannelHandleRoundTrip(t *testing.T) {
	a, b := newChannelPair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "handle")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	defer tmp.Close()

	const payload = "hello from the handle"
	if _, err := tmp.WriteString(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := tmp.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}

	msg := Envelope{QueryEcho: "42"}
	if err := a.SendHandle(msg, tmp); err != nil {
		t.Fatalf("sendhandle: %v", err)
	}

	got, handle, err := b.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if got.QueryEcho != "42" {
		t.Fatalf("got QueryEcho %q, want 42", got.QueryEcho)
	}
	if handle == nil {
		t.Fatal("expected a handle, got nil")
	}
	defer handle.Close()

	buf := make([]byte, len(payload))
	if _, err := handle.Read(buf); err != nil {
		t.Fatalf("read from received handle: %v", err)
	}
	if string(buf) != payload {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestChannelMultipleFramesInOneRead(t *testing.T) {
	a, b := newChannelPair(t)
	defer a.Close()
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := a.Send(Envelope{QueryEcho: string(rune('0' + i))}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	time.Sleep(20 * time.Millisecond) // let all writes land before the first Recv

	for i := 0; i < 5; i++ {
		env, _, err := b.Recv()
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		want := string(rune('0' + i))
		if env.QueryEcho != want {
			t.Fatalf("frame %d: got %q, want %q", i, env.QueryEcho, want)
		}
	}
}
