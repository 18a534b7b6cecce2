package gocnc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRegistry(t *testing.T) {
	assert.Equal(t, []string{"Loopback", "Serial"}, ListConnectionNames())

	conn, err := NewConnection("loopback", nil)
	require.NoError(t, err)
	assert.Equal(t, "Loopback", conn.Name())

	_, err = NewConnection("bluetooth", nil)
	assert.Error(t, err)

	for _, info := range ListConnections() {
		if info.Name == "Serial" {
			assert.True(t, info.RequiresSerialPort)
		}
	}
}

func lineCollector(conn interface{ SetLineHandler(LineHandler) }) <-chan string {
	lines := make(chan string, 64)
	conn.SetLineHandler(func(line string) { lines <- line })
	return lines
}

func expectLines(t *testing.T, lines <-chan string, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-lines:
			assert.Equal(t, w, got)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", w)
		}
	}
}

func openLoopback(t *testing.T, cfg *ConnectionConfig) (*LoopbackConnection, <-chan string) {
	t.Helper()
	if cfg == nil {
		cfg = &ConnectionConfig{}
	}
	cfg.Logger = testLogger()
	lb := NewLoopback(cfg)
	lines := lineCollector(lb)
	require.NoError(t, lb.Open(context.Background(), "loop", 115200))
	t.Cleanup(func() { lb.Close() })
	return lb, lines
}

func TestLoopback_Responses(t *testing.T) {
	lb, lines := openLoopback(t, nil)

	require.NoError(t, lb.Send([]byte("G0X0\n")))
	expectLines(t, lines, "ok")

	require.NoError(t, lb.Send([]byte("?")))
	expectLines(t, lines, "<Idle|MPos:0.000,0.000,0.000|FS:0,0|Ov:100,100,100>")

	require.NoError(t, lb.Send([]byte("$I\n")))
	expectLines(t, lines, "[VER:1.1h.20190825:]", "[OPT:V,15,128]", "ok")

	require.NoError(t, lb.Send([]byte("$$\n")))
	expectLines(t, lines, append(append([]string{}, loopbackSettings...), "ok")...)

	require.NoError(t, lb.Send([]byte("G1X")))
	require.NoError(t, lb.Send([]byte{0x18}))
	expectLines(t, lines, loopbackBanner)
	require.NoError(t, lb.Send([]byte("\n")))
	expectLines(t, lines, "ok")

	require.NoError(t, lb.Send([]byte("error\n")))
	expectLines(t, lines, "ok")
}

func TestLoopback_Validate(t *testing.T) {
	lb, lines := openLoopback(t, &ConnectionConfig{Validate: true})
	require.NoError(t, lb.Send([]byte("ERROR please\nG0\n")))
	expectLines(t, lines, "error:1", "ok")
}

func TestLoopback_IgnoresRealtimeBytes(t *testing.T) {
	lb, lines := openLoopback(t, nil)
	require.NoError(t, lb.Send([]byte{'G', '0', '!', 0x91, '~', '\r', '\n'}))
	expectLines(t, lines, "ok")
	select {
	case extra := <-lines:
		t.Fatalf("unexpected line %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoopback_AckDelay(t *testing.T) {
	lb, lines := openLoopback(t, &ConnectionConfig{AckDelay: 20 * time.Millisecond})
	start := time.Now()
	require.NoError(t, lb.Send([]byte("G0\nG0\nG0\n")))
	expectLines(t, lines, "ok", "ok", "ok")
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestLoopback_SendWhenClosed(t *testing.T) {
	lb := NewLoopback(&ConnectionConfig{Logger: testLogger()})
	err := lb.Send([]byte("G0\n"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, lb.Open(context.Background(), "loop", 0))
	require.NoError(t, lb.Close())
	require.NoError(t, lb.Close())
	assert.False(t, lb.IsOpen())
	assert.ErrorIs(t, lb.Send([]byte("G0\n")), ErrNotOpen)
}

func TestBaseConnection_LineReassembly(t *testing.T) {
	base := NewBaseConnection("test", &ConnectionConfig{Logger: testLogger()})
	lines := lineCollector(base)
	base.markOpen()

	base.feed([]byte("o"))
	base.feed([]byte("k\r\nerr"))
	base.feed([]byte("or:1\n\r\n<Idle>\n"))
	expectLines(t, lines, "ok", "error:1", "<Idle>")
}

func TestBaseConnection_DropsOverlongLine(t *testing.T) {
	base := NewBaseConnection("test", &ConnectionConfig{Logger: testLogger(), ReadBufferSize: 8})
	lines := lineCollector(base)
	base.markOpen()

	base.feed([]byte(strings.Repeat("x", 20)))
	base.feed([]byte("\nok\n"))
	expectLines(t, lines, "xxxx", "ok")
}

func TestBaseConnection_Fatal(t *testing.T) {
	base := NewBaseConnection("test", nil)
	base.Fatal(errors.New("first"))
	base.Fatal(errors.New("dropped"))
	select {
	case err := <-base.Err():
		assert.EqualError(t, err, "first")
	default:
		t.Fatal("no error delivered")
	}
}

func TestConnectionConfig_Defaults(t *testing.T) {
	cfg := (*ConnectionConfig)(nil).withDefaults()
	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, 5*time.Millisecond, cfg.ReadTimeout)
	assert.EqualValues(t, 3, cfg.OpenAttempts)
	assert.Equal(t, 1024, cfg.ReadBufferSize)
}

func TestSerial_OpenMissingPort(t *testing.T) {
	conn, err := NewSerialConnection(&ConnectionConfig{Logger: testLogger(), OpenAttempts: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = conn.Open(ctx, "/dev/gocnc-does-not-exist", 115200)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "open", te.Op)
	assert.False(t, conn.IsOpen())
	assert.NoError(t, conn.Close())
}

func TestClassifyOpenError(t *testing.T) {
	err := classifyOpenError("COM9", errors.New("boom"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(Unrecoverable(err)))
}
