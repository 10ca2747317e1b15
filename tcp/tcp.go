// Package tcp is the stream transport used to reach remote terminal
// servers. Addresses take the "host[,port]" form; a missing port means the
// standard telnet service.
package tcp

import (
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/serline/libterm-go/base"
)

// DefaultService is the service dialed when the address has no port part.
const DefaultService = "telnet" // resolves to 23

// drainChunk sizes the throwaway reads of a half-close drain.
const drainChunk = 1024

type tcp struct {
	hostname string
	port     int
	logger   *zap.SugaredLogger

	connected bool
	timeout   time.Duration
	conn      net.Conn
	offset    int
	read      int
	buffer    []byte
	deadline  time.Time

	drainOnClose  bool
	totalincoming int64
	totaloutgoing int64
}

// New returns a transport that will connect to hostname:port when opened.
func New(hostname string, port int, timeout time.Duration) base.Stream {
	return &tcp{
		hostname: hostname,
		port:     port,
		timeout:  timeout,
		buffer:   make([]byte, 2048),
	}
}

// Dial parses an "host[,port]" address and returns a transport for it. The
// port part may be a number or a service name; when absent, DefaultService
// is used. The connection itself is made by Open.
func Dial(addr string, timeout time.Duration) (base.Stream, error) {
	host := addr
	service := DefaultService
	if i := strings.LastIndexByte(addr, ','); i >= 0 {
		host, service = addr[:i], addr[i+1:]
	}
	if host == "" {
		return nil, fmt.Errorf("no host in address %q", addr)
	}
	port, err := strconv.Atoi(service)
	if err != nil {
		port, err = net.LookupPort("tcp", service)
		if err != nil {
			return nil, fmt.Errorf("resolve service %q: %w", service, err)
		}
	}
	return New(host, port, timeout), nil
}

func (t *tcp) logf(format string, v ...any) {
	if t.logger != nil {
		t.logger.Infof(format, v...)
	}
}

// SetDrainOnClose makes Close perform a half-close drain first: stop
// writing, keep reading until the peer closes, then release the socket.
func (t *tcp) SetDrainOnClose(drain bool) {
	t.drainOnClose = drain
}

func (t *tcp) Open() error {
	if !t.connected {
		address := net.JoinHostPort(t.hostname, strconv.Itoa(t.port))

		conn, err := net.DialTimeout("tcp", address, t.timeout)
		if err != nil {
			t.logf("Connect to %s failed: %v", address, err)
			return fmt.Errorf("connect failed: %w", err)
		}

		t.logf("Connected to %s", address)
		t.conn = conn
		t.connected = true
	}
	return nil
}

func (t *tcp) Close() error {
	if !t.connected {
		return nil
	}
	if t.drainOnClose {
		t.halfCloseDrain()
	}
	return t.Disconnect()
}

// halfCloseDrain shuts the write side down and discards whatever the peer
// still has in flight, bounded by the dial timeout.
func (t *tcp) halfCloseDrain() {
	tc, ok := t.conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.CloseWrite(); err != nil {
		return
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(t.timeout))
	buf := make([]byte, drainChunk)
	for {
		n, err := t.conn.Read(buf)
		t.totalincoming += int64(n)
		if err != nil {
			return
		}
	}
}

func (t *tcp) Disconnect() error {
	if t.connected {
		t.connected = false
		if t.conn != nil {
			_ = t.conn.Close()
			t.conn = nil
		}
		t.logf("Disconnected from %s", t.hostname)
		t.logf("Total bytes incoming: %v, outgoing: %v", t.totalincoming, t.totaloutgoing)
	}
	return nil
}

func (t *tcp) IsOpen() bool {
	return t.connected
}

func (t *tcp) SetDeadline(d time.Time) {
	t.deadline = d
}

func (t *tcp) SetLogger(logger *zap.SugaredLogger) {
	t.logger = logger
}

// setcommdeadline arms the connection with the sooner of the per-call
// timeout window and the externally requested deadline.
func (t *tcp) setcommdeadline() {
	cd := time.Now().Add(t.timeout)
	if t.deadline.IsZero() || cd.Before(t.deadline) {
		_ = t.conn.SetDeadline(cd)
	} else {
		_ = t.conn.SetDeadline(t.deadline)
	}
}

func (t *tcp) Write(src []byte) error {
	if !t.connected {
		return base.ErrNotOpened
	}

	for len(src) > 0 {
		t.setcommdeadline()
		n, err := t.conn.Write(src)
		if err != nil {
			return fmt.Errorf("write failed: %w", err)
		}
		t.totaloutgoing += int64(n)

		if t.logger != nil {
			t.logger.Debugf("TX (%s): %6d %s", t.hostname, n, encodeHexString(src[:n]))
		}
		src = src[n:]
	}
	return nil
}

func (t *tcp) Read(p []byte) (n int, err error) {
	if !t.connected {
		return 0, base.ErrNotOpened
	}
	if len(p) == 0 {
		return 0, base.ErrNothingToRead
	}

	n = len(p)
	rem := t.read - t.offset
	if rem > 0 { // having something unread in the buffer
		if n > rem {
			n = rem
		}
		copy(p, t.buffer[t.offset:t.offset+n])
		t.offset += n
		return
	}

	t.setcommdeadline()
	rx, err := t.conn.Read(t.buffer)
	t.totalincoming += int64(rx)

	if rx > 0 {
		t.read = rx
		if n > rx {
			n = rx
		}
		copy(p, t.buffer[:n])
		t.offset = n

		if t.logger != nil {
			t.logger.Debugf("RX (%s): %6d %s", t.hostname, rx, encodeHexString(t.buffer[:rx]))
		}
	}

	if err != nil {
		return 0, fmt.Errorf("read failed: %w", err)
	}
	if rx == 0 {
		return 0, io.EOF // peer closed
	}
	return
}

func encodeHexString(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
