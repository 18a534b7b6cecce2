package gocnc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.bug.st/serial"
)

type SerialConnection struct {
	*BaseConnection
	port serial.Port
}

var _ Connection = (*SerialConnection)(nil)

func init() {
	if err := RegisterConnection(&ConnectionInfo{
		Name:               "Serial",
		Description:        "USB/UART serial port, 8N1",
		RequiresSerialPort: true,
		New:                NewSerialConnection,
	}); err != nil {
		panic(err)
	}
}

func NewSerialConnection(cfg *ConnectionConfig) (Connection, error) {
	return &SerialConnection{
		BaseConnection: NewBaseConnection("Serial", cfg),
	}, nil
}

func (sc *SerialConnection) Open(ctx context.Context, address string, baud int) error {
	if sc.IsOpen() {
		return &TransportError{Op: "open", Err: fmt.Errorf("%s already open", address)}
	}
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	var p serial.Port
	err := retry.Do(func() error {
		var err error
		p, err = serial.Open(address, mode)
		if err != nil {
			return classifyOpenError(address, err)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(sc.cfg.OpenAttempts),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(IsRecoverable),
		retry.OnRetry(func(n uint, err error) {
			sc.log.Debugf("retry #%d open %s: %v", n+1, address, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &TransportError{Op: "open", Err: fmt.Errorf("%w: %s: %v", ErrTimeout, address, ctxErr)}
		}
		return err
	}

	if err := p.SetReadTimeout(sc.cfg.ReadTimeout); err != nil {
		p.Close()
		return &TransportError{Op: "open", Err: err}
	}
	p.ResetOutputBuffer()
	p.ResetInputBuffer()

	sc.port = p
	closeChan := sc.markOpen()
	go sc.recvManager(p, closeChan)
	sc.log.Infof("opened %s @ %d baud", address, baud)
	return nil
}

func classifyOpenError(address string, err error) error {
	var perr *serial.PortError
	if errors.As(err, &perr) {
		switch perr.Code() {
		case serial.PortNotFound, serial.PortBusy:
			return &TransportError{Op: "open", Err: fmt.Errorf("%w: %s: %v", ErrPortUnavailable, address, err)}
		case serial.PermissionDenied:
			return Unrecoverable(&TransportError{Op: "open", Err: fmt.Errorf("%w: %s: %v", ErrPortUnavailable, address, err)})
		case serial.InvalidSpeed:
			return Unrecoverable(&TransportError{Op: "open", Err: err})
		}
	}
	return &TransportError{Op: "open", Err: fmt.Errorf("failed to open com port %q: %w", address, err)}
}

func (sc *SerialConnection) Close() error {
	if !sc.markClosed() {
		return nil
	}
	if err := sc.port.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func (sc *SerialConnection) Send(data []byte) error {
	return sc.write(sc.port, data)
}

func (sc *SerialConnection) recvManager(p serial.Port, closeChan chan struct{}) {
	readBuf := make([]byte, 64)
	for {
		select {
		case <-closeChan:
			return
		default:
		}
		n, err := p.Read(readBuf)
		if err != nil {
			if sc.markClosed() {
				p.Close()
				sc.Fatal(Unrecoverable(&TransportError{Op: "read", Err: fmt.Errorf("failed to read com port: %w", err)}))
			}
			return
		}
		if n == 0 {
			continue
		}
		sc.feed(readBuf[:n])
	}
}
