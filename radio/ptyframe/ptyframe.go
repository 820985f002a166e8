// Package ptyframe provides a mesh.Link that carries length-prefixed mesh
// frames over a pseudo-terminal, so a developer can drive a running node
// with an external process attached to the PTY's slave side instead of real
// radio hardware.
package ptyframe

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/creack/pty"
	"github.com/pkg/term"

	"github.com/kd7nxl/gomesh/mesh"
)

// Link is a mesh.Link backed by a PTY. The side that constructs it owns the
// master fd; Open returns the slave device path for a peer process to open.
type Link struct {
	master io.ReadWriteCloser
	self   mesh.HWID

	completions chan mesh.SendResult
	recv        chan mesh.ReceivedRaw

	closeOnce sync.Once
	closed    chan struct{}
}

// Open allocates a new PTY pair and returns a Link reading and writing
// length-prefixed frames on the master side. slavePath names the device a
// peer process should open, raw, with OpenClient.
func Open(self mesh.HWID) (link *Link, slavePath string, err error) {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, "", fmt.Errorf("ptyframe: opening pty: %w", err)
	}
	_ = tty.Close() // the peer reopens the slave path itself, raw, via pkg/term

	l := &Link{
		master:      ptmx,
		self:        self,
		completions: make(chan mesh.SendResult, 1),
		recv:        make(chan mesh.ReceivedRaw, 32),
		closed:      make(chan struct{}),
	}
	go l.readLoop()
	return l, tty.Name(), nil
}

// OpenClient opens the slave side of a Link created by Open in another
// process.
func OpenClient(path string) (io.ReadWriteCloser, error) {
	t, err := term.Open(path, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("ptyframe: opening client side %s: %w", path, err)
	}
	return t, nil
}

func (l *Link) readLoop() {
	for {
		var length uint16
		if err := binary.Read(l.master, binary.LittleEndian, &length); err != nil {
			return
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(l.master, buf); err != nil {
			return
		}
		select {
		case l.recv <- mesh.ReceivedRaw{Sender: l.self, Data: buf}:
		case <-l.closed:
			return
		}
	}
}

func (l *Link) AddPeer(mesh.HWID) error { return nil }
func (l *Link) DelPeer(mesh.HWID) error { return nil }
func (l *Link) SetChannel(int) error { return nil }

func (l *Link) SendRaw(_ mesh.HWID, raw []byte) error {
	if len(raw) > 0xFFFF {
		return fmt.Errorf("ptyframe: frame of %d bytes too large to length-prefix", len(raw))
	}
	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(raw)))
	if _, err := l.master.Write(header[:]); err != nil {
		l.completions <- mesh.SendResultFail
		return err
	}
	if _, err := l.master.Write(raw); err != nil {
		l.completions <- mesh.SendResultFail
		return err
	}
	l.completions <- mesh.SendResultSuccess
	return nil
}

func (l *Link) Completions() <-chan mesh.SendResult { return l.completions }
func (l *Link) Receive() <-chan mesh.ReceivedRaw { return l.recv }

// Close releases the PTY master.
func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return l.master.Close()
}
