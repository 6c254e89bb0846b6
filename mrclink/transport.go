package mrclink

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.bug.st/serial"
)

// Transport is a bidirectional byte stream to the MRC hardware, either a
// serial port or a raw TCP socket. Implementations enforce their own
// inter-character read/write timeouts internally (see newSerialTransport
// and newTCPTransport) so the Framed Byte Link above them only has to
// distinguish "timed out" from "other error".
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// tcpTransport adapts a net.Conn, resetting the read/write deadline before
// every single-byte operation so each byte gets its own inter-character
// timeout.
type tcpTransport struct {
	conn         net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newTCPTransport(conn net.Conn, readTimeout, writeTimeout time.Duration) Transport {
	return &tcpTransport{conn: conn, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
		return 0, err
	}
	return t.conn.Read(p)
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return 0, err
	}
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error { return t.conn.Close() }

// serialTransport adapts a go.bug.st/serial Port. The library exposes a
// native read timeout (SetReadTimeout) but no write deadline, so writes are
// bounded by racing the blocking Write against a timer; a timed-out write's
// goroutine is abandoned (the port itself will eventually error or the
// process will exit) rather than left to corrupt a later write's buffer.
type serialTransport struct {
	port         serial.Port
	writeTimeout time.Duration
}

func newSerialTransport(path string, mode *serial.Mode, readTimeout, writeTimeout time.Duration) (Transport, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("mrclink: open serial port %q: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("mrclink: set read timeout: %w", err)
	}

	return &serialTransport{port: port, writeTimeout: writeTimeout}, nil
}

func (s *serialTransport) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialTransport) Write(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)

	go func() {
		n, err := s.port.Write(p)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(s.writeTimeout):
		return 0, errWriteTimeout
	}
}

func (s *serialTransport) Close() error { return s.port.Close() }
