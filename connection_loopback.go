package gocnc

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const loopbackBanner = "Grbl 1.1h ['$' for help]"

var loopbackSettings = []string{
	"$0=10",
	"$1=25",
	"$2=0",
	"$3=0",
	"$100=250.000",
	"$101=250.000",
	"$102=250.000",
	"$110=500.000",
}

// LoopbackConnection is a diagnostic transport that acknowledges every
// command with "ok" after a fixed delay. It exists to benchmark and test the
// streaming core without hardware.
type LoopbackConnection struct {
	*BaseConnection

	qmu     sync.Mutex
	pending [][]byte
	signal  chan struct{}
}

var _ Connection = (*LoopbackConnection)(nil)

func init() {
	if err := RegisterConnection(&ConnectionInfo{
		Name:        "Loopback",
		Description: "Diagnostic loopback, acknowledges every command",
		New:         NewLoopbackConnection,
	}); err != nil {
		panic(err)
	}
}

func NewLoopbackConnection(cfg *ConnectionConfig) (Connection, error) {
	return NewLoopback(cfg), nil
}

func NewLoopback(cfg *ConnectionConfig) *LoopbackConnection {
	return &LoopbackConnection{
		BaseConnection: NewBaseConnection("Loopback", cfg),
		signal:         make(chan struct{}, 1),
	}
}

func (lb *LoopbackConnection) Open(_ context.Context, address string, baud int) error {
	if lb.IsOpen() {
		return nil
	}
	lb.qmu.Lock()
	lb.pending = nil
	lb.qmu.Unlock()

	limit := rate.Inf
	if lb.cfg.AckDelay > 0 {
		limit = rate.Every(lb.cfg.AckDelay)
	}
	closeChan := lb.markOpen()
	go lb.run(closeChan, rate.NewLimiter(limit, 1))
	lb.log.Debugf("opened loopback %q @ %d", address, baud)
	return nil
}

func (lb *LoopbackConnection) Close() error {
	lb.markClosed()
	return nil
}

// Send never blocks; bytes are processed by the loopback goroutine.
func (lb *LoopbackConnection) Send(data []byte) error {
	return lb.write(writerFunc(lb.enqueue), data)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (lb *LoopbackConnection) enqueue(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	lb.qmu.Lock()
	lb.pending = append(lb.pending, cp)
	lb.qmu.Unlock()
	select {
	case lb.signal <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (lb *LoopbackConnection) run(closeChan chan struct{}, limiter *rate.Limiter) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-closeChan
		cancel()
	}()

	var line []byte
	for {
		lb.qmu.Lock()
		chunks := lb.pending
		lb.pending = nil
		lb.qmu.Unlock()

		for _, chunk := range chunks {
			for _, b := range chunk {
				switch {
				case b == '\n':
					if err := limiter.Wait(ctx); err != nil {
						return
					}
					lb.respond(strings.TrimSpace(string(line)))
					line = line[:0]
				case b == '\r':
				case b == grblStatusQuery:
					lb.reply("<Idle|MPos:0.000,0.000,0.000|FS:0,0|Ov:100,100,100>")
				case b == grblSoftReset:
					line = line[:0]
					lb.reply(loopbackBanner)
				case b == grblFeedHold, b == grblCycleStart, b >= 0x80:
				default:
					line = append(line, b)
				}
			}
		}

		select {
		case <-closeChan:
			return
		case <-lb.signal:
		}
	}
}

func (lb *LoopbackConnection) respond(line string) {
	switch {
	case line == "$$":
		for _, s := range loopbackSettings {
			lb.reply(s)
		}
	case line == "$I":
		lb.reply("[VER:1.1h.20190825:]")
		lb.reply("[OPT:V,15,128]")
	case lb.cfg.Validate && strings.HasPrefix(strings.ToLower(line), "error"):
		lb.reply("error:1")
		return
	}
	lb.reply("ok")
}

func (lb *LoopbackConnection) reply(line string) {
	if !lb.IsOpen() {
		return
	}
	lb.feed([]byte(line + "\r\n"))
}
