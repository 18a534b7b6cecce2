package gocnc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every callback as "<method>:<detail>".
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) CommandSent(c *Command)            { r.add("sent:" + c.EncodedText()) }
func (r *recorder) CommandSkipped(c *Command)         { r.add("skipped:" + c.EncodedText()) }
func (r *recorder) CommandComplete(c *Command)        { r.add("complete:" + c.EncodedText()) }
func (r *recorder) PausedOnError(c *Command)          { r.add("paused:" + c.EncodedText()) }
func (r *recorder) StatusChanged(s *ControllerStatus) { r.add("status:" + s.State) }
func (r *recorder) StateChanged(s State)              { r.add("state:" + s.String()) }
func (r *recorder) ConsoleMessage(msg string)         { r.add("console:" + msg) }
func (r *recorder) ControllerReset(msg string)        { r.add("reset:" + msg) }

func (r *recorder) filter(prefix string) []string {
	var out []string
	for _, c := range r.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func TestSyncDispatcher_OnlyMatchingCallback(t *testing.T) {
	d := NewSyncDispatcher()
	r := &recorder{}
	d.AddListener(r)

	d.Dispatch(Event{Type: EventCommandSent, Command: NewCommand("G0X0")})
	assert.Equal(t, []string{"sent:G0X0"}, r.Calls())
}

func TestSyncDispatcher_RegistrationOrder(t *testing.T) {
	d := NewSyncDispatcher()
	var order []int
	for i := range 3 {
		d.AddListener(&ListenerFuncs{OnConsoleMessage: func(string) { order = append(order, i) }})
	}
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "hi"})
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSyncDispatcher_RemoveListener(t *testing.T) {
	d := NewSyncDispatcher()
	r := &recorder{}
	d.AddListener(r)
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "one"})
	d.RemoveListener(r)
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "two"})
	assert.Equal(t, []string{"console:one"}, r.Calls())
}

// taggedListener is a listener value of a non-comparable type.
type taggedListener struct {
	*ListenerFuncs
	tags []string
}

func TestSyncDispatcher_RemoveNonComparableListener(t *testing.T) {
	d := NewSyncDispatcher()
	var got []string
	tagged := taggedListener{
		ListenerFuncs: &ListenerFuncs{OnConsoleMessage: func(msg string) { got = append(got, msg) }},
		tags:          []string{"pendant"},
	}
	r := &recorder{}
	d.AddListener(tagged)
	d.AddListener(r)

	assert.NotPanics(t, func() { d.RemoveListener(tagged) })
	assert.NotPanics(t, func() { d.RemoveListener(r) })
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "still here"})

	assert.Equal(t, []string{"still here"}, got)
	assert.Empty(t, r.Calls())
}

func TestSyncDispatcher_PanicPropagates(t *testing.T) {
	d := NewSyncDispatcher()
	d.AddListener(&ListenerFuncs{OnConsoleMessage: func(string) { panic("boom") }})
	assert.PanicsWithValue(t, "boom", func() {
		d.Dispatch(Event{Type: EventConsoleMessage})
	})
}

func TestAsyncDispatcher_DeliversQueuedEventsAfterStart(t *testing.T) {
	d := NewAsyncDispatcher(testLogger())
	defer d.Stop()
	r := &recorder{}
	d.AddListener(r)

	for _, msg := range []string{"a", "b", "c"} {
		d.Dispatch(Event{Type: EventConsoleMessage, Message: msg})
	}
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, r.Calls())
	assert.Equal(t, 3, d.Pending())

	d.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, []string{"console:a", "console:b", "console:c"}, r.Calls())
}

func TestAsyncDispatcher_FIFO(t *testing.T) {
	d := NewAsyncDispatcher(testLogger())
	d.Start()
	defer d.Stop()
	r := &recorder{}
	d.AddListener(r)

	var want []string
	for i := range 100 {
		cmd := NewCommand("G0X" + string(rune('A'+i%26)))
		d.Dispatch(Event{Type: EventCommandSent, Command: cmd})
		want = append(want, "sent:"+cmd.EncodedText())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, want, r.Calls())
}

func TestAsyncDispatcher_PanicStops(t *testing.T) {
	d := NewAsyncDispatcher(testLogger())
	r := &recorder{}
	d.AddListener(&ListenerFuncs{OnConsoleMessage: func(msg string) {
		if msg == "bad" {
			panic("listener bug")
		}
	}})
	d.AddListener(r)
	d.Start()

	d.Dispatch(Event{Type: EventConsoleMessage, Message: "good"})
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "bad"})
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "never"})

	assert.Eventually(t, d.IsStopped, time.Second, 5*time.Millisecond)
	var failure *DispatchFailure
	require.ErrorAs(t, d.Err(), &failure)
	assert.Equal(t, "listener bug", failure.Value)
	assert.Equal(t, EventConsoleMessage, failure.Event.Type)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"console:good"}, r.Calls())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, d.Drain(ctx))
}

func TestAsyncDispatcher_StopInterruptsBlockedListener(t *testing.T) {
	d := NewAsyncDispatcher(testLogger())
	block := make(chan struct{})
	defer close(block)
	entered := make(chan struct{})
	d.AddListener(&ListenerFuncs{OnConsoleMessage: func(string) {
		close(entered)
		<-block
	}})
	d.Start()
	d.Dispatch(Event{Type: EventConsoleMessage, Message: "slow"})
	<-entered

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Stop did not return")
	}
	assert.True(t, d.IsStopped())
	d.Stop()
}

func TestAsyncDispatcher_Reset(t *testing.T) {
	d := NewAsyncDispatcher(testLogger())
	broken := &ListenerFuncs{OnConsoleMessage: func(string) { panic("x") }}
	d.AddListener(broken)
	d.Start()
	d.Dispatch(Event{Type: EventConsoleMessage})
	assert.Eventually(t, d.IsStopped, time.Second, 5*time.Millisecond)

	d.Dispatch(Event{Type: EventConsoleMessage})
	d.Reset()
	assert.False(t, d.IsStopped())
	assert.NoError(t, d.Err())
	assert.Zero(t, d.Pending())

	d.RemoveListener(broken)
	r := &recorder{}
	d.AddListener(r)
	d.Start()
	defer d.Stop()
	d.Dispatch(Event{Type: EventStateChanged, State: StateStreaming})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx))
	assert.Equal(t, []string{"state:STREAMING"}, r.Calls())
}
