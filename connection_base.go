package gocnc

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/roffe/gocnc/pkg/ringbuffer"
	"github.com/sirupsen/logrus"
)

// BaseConnection holds what every transport shares: line reassembly,
// serialized writes, the open flag and the fatal error channel.
type BaseConnection struct {
	name string
	cfg  *ConnectionConfig
	log  logrus.FieldLogger

	mu        sync.RWMutex
	handler   LineHandler
	open      bool
	closeChan chan struct{}

	writeMu sync.Mutex

	rxMu sync.Mutex
	rx   *ringbuffer.RingBuffer

	errChan chan error
}

func NewBaseConnection(name string, cfg *ConnectionConfig) *BaseConnection {
	cfg = cfg.withDefaults()
	return &BaseConnection{
		name:    name,
		cfg:     cfg,
		log:     cfg.Logger.WithField("connection", name),
		rx:      ringbuffer.New(cfg.ReadBufferSize),
		errChan: make(chan error, 1),
	}
}

func (base *BaseConnection) Name() string {
	return base.name
}

func (base *BaseConnection) SetLineHandler(h LineHandler) {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.handler = h
}

func (base *BaseConnection) IsOpen() bool {
	base.mu.RLock()
	defer base.mu.RUnlock()
	return base.open
}

func (base *BaseConnection) Err() <-chan error {
	return base.errChan
}

// markOpen flags the connection open and returns the channel that is closed
// by markClosed.
func (base *BaseConnection) markOpen() chan struct{} {
	base.rxMu.Lock()
	base.rx.Reset()
	base.rxMu.Unlock()

	base.mu.Lock()
	defer base.mu.Unlock()
	base.open = true
	base.closeChan = make(chan struct{})
	return base.closeChan
}

// markClosed returns false if the connection was not open, which makes
// Close idempotent for the concrete transports.
func (base *BaseConnection) markClosed() bool {
	base.mu.Lock()
	defer base.mu.Unlock()
	if !base.open {
		return false
	}
	base.open = false
	close(base.closeChan)
	return true
}

// Fatal reports a transport error after which communication cannot continue.
func (base *BaseConnection) Fatal(err error) {
	select {
	case base.errChan <- err:
	default:
		base.log.WithError(err).Error("error channel full")
	}
}

// write sends data in full through w, serialized with every other write.
func (base *BaseConnection) write(w io.Writer, data []byte) error {
	base.writeMu.Lock()
	defer base.writeMu.Unlock()
	if !base.IsOpen() {
		return &TransportError{Op: "send", Err: ErrNotOpen}
	}
	n, err := w.Write(data)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	if n != len(data) {
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: wrote %d of %d bytes", io.ErrShortWrite, n, len(data))}
	}
	if base.cfg.Debug {
		base.log.Debugf(">> %q", data)
	}
	return nil
}

// feed pushes raw bytes into the reassembly buffer and hands every complete
// line to the line handler.
func (base *BaseConnection) feed(data []byte) {
	for len(data) > 0 {
		base.rxMu.Lock()
		n := min(len(data), base.rx.Free())
		if n == 0 {
			base.log.Warnf("dropping %d bytes without line terminator", base.rx.Available())
			base.rx.Reset()
			base.rxMu.Unlock()
			continue
		}
		if _, err := base.rx.Write(data[:n]); err != nil {
			base.rxMu.Unlock()
			base.log.WithError(err).Error("line buffer")
			return
		}
		lines := base.takeLines()
		base.rxMu.Unlock()

		data = data[n:]
		for _, line := range lines {
			base.emit(line)
		}
	}
}

// takeLines must be called with rxMu held.
func (base *BaseConnection) takeLines() []string {
	var lines []string
	for {
		i := base.rx.IndexByte('\n')
		if i < 0 {
			return lines
		}
		buf := make([]byte, i+1)
		base.rx.Read(buf)
		line := strings.TrimSpace(string(buf))
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
}

func (base *BaseConnection) emit(line string) {
	if base.cfg.Debug {
		base.log.Debugf("<< %s", line)
	}
	base.mu.RLock()
	h := base.handler
	base.mu.RUnlock()
	if h != nil {
		h(line)
	}
}
