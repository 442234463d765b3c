package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// readChunk is how much is read off the wire per syscall while
// accumulating frames.
const readChunk = 64 * 1024

// Channel is one end of the duplex process channel between a supervisor
// and a worker. Every frame is length-prefixed JSON; a frame may
// additionally carry one open file handle as SCM_RIGHTS ancillary data.
//
// Every read and write goes through recvmsg/sendmsg (ReadMsgUnix /
// WriteMsgUnix) rather than plain Read/Write, because ancillary data
// can only travel attached to one of those calls. Since a stream socket
// does not preserve message boundaries for the data portion, Recv
// accumulates raw bytes across calls and parses length-prefixed frames
// out of that buffer, queuing any handle received alongside a read
// until the frame it was sent with is fully assembled.
type Channel struct {
	conn *net.UnixConn

	sendMu sync.Mutex

	recvMu  sync.Mutex
	buf     []byte
	handles []*os.File
}

// NewChannel wraps an established unix connection as a framed message
// channel. The caller retains ownership of conn's lifetime via Close.
func NewChannel(conn *net.UnixConn) *Channel {
	return &Channel{conn: conn}
}

// Send writes msg as a plain frame, carrying no handle.
func (c *Channel) Send(msg Envelope) error {
	return c.send(msg, nil)
}

// SendHandle writes msg together with f, which the peer's Recv call
// will receive as a duplicated *os.File. f is not closed by SendHandle;
// the caller remains responsible for its own copy.
func (c *Channel) SendHandle(msg Envelope, f *os.File) error {
	return c.send(msg, f)
}

func (c *Channel) send(msg Envelope, f *os.File) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ipc: encode frame: %w", err)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	var oob []byte
	if f != nil {
		oob = unix.UnixRights(int(f.Fd()))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	n, oobn, err := c.conn.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("ipc: short frame write")
	}
	return nil
}

// Recv reads the next frame. If the frame was sent via SendHandle, the
// returned *os.File is non-nil and owned by the caller.
func (c *Channel) Recv() (Envelope, *os.File, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		if env, handle, ok, err := c.tryParseFrame(); ok || err != nil {
			return env, handle, err
		}

		chunk := make([]byte, readChunk)
		oob := make([]byte, unix.CmsgSpace(4))
		n, oobn, _, _, err := c.conn.ReadMsgUnix(chunk, oob)
		if err != nil {
			return Envelope{}, nil, err
		}
		c.buf = append(c.buf, chunk[:n]...)

		if oobn > 0 {
			cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
			if err != nil {
				return Envelope{}, nil, fmt.Errorf("ipc: parse control message: %w", err)
			}
			for _, cmsg := range cmsgs {
				fds, err := unix.ParseUnixRights(&cmsg)
				if err != nil {
					continue
				}
				for _, fd := range fds {
					c.handles = append(c.handles, os.NewFile(uintptr(fd), "bracken-handle"))
				}
			}
		}
	}
}

// tryParseFrame consumes one complete frame from c.buf if present.
func (c *Channel) tryParseFrame() (Envelope, *os.File, bool, error) {
	if len(c.buf) < 4 {
		return Envelope{}, nil, false, nil
	}
	size := binary.BigEndian.Uint32(c.buf[:4])
	if uint32(len(c.buf)-4) < size {
		return Envelope{}, nil, false, nil
	}

	body := c.buf[4 : 4+size]
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, nil, true, fmt.Errorf("ipc: decode frame: %w", err)
	}
	c.buf = c.buf[4+size:]

	var handle *os.File
	if len(c.handles) > 0 {
		handle = c.handles[0]
		c.handles = c.handles[1:]
	}
	return env, handle, true, nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	return c.conn.Close()
}
