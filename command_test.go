package gocnc

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommand_SetDoneNotifiesOnce(t *testing.T) {
	cmd := NewCommand("G0X1")
	var calls atomic.Int32
	var wg sync.WaitGroup
	wg.Add(2)
	for range 2 {
		cmd.AddListener(func(*Command) {
			calls.Add(1)
			wg.Done()
		})
	}

	for range 5 {
		cmd.SetDone(true)
	}
	wg.Wait()

	// give a stray second notification time to show up
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
	assert.True(t, cmd.IsDone())
}

func TestCommand_ConcurrentSetDone(t *testing.T) {
	cmd := NewCommand("G0X1")
	var calls atomic.Int32
	notified := make(chan struct{})
	cmd.AddListener(func(*Command) {
		calls.Add(1)
		close(notified)
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd.SetDone(true)
		}()
	}
	wg.Wait()
	<-notified
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCommand_NotifiesOnAnotherGoroutine(t *testing.T) {
	cmd := NewCommand("G0X1")
	caller := goroutineID()
	got := make(chan uint64, 1)
	cmd.AddListener(func(*Command) {
		got <- goroutineID()
	})
	cmd.SetDone(true)

	select {
	case id := <-got:
		assert.NotEqual(t, caller, id)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}

func TestCommand_ListenerAfterDone(t *testing.T) {
	cmd := NewCommand("G0X1")
	cmd.SetDone(true)
	got := make(chan *Command, 1)
	cmd.AddListener(func(c *Command) { got <- c })
	select {
	case c := <-got:
		assert.Same(t, cmd, c)
	case <-time.After(time.Second):
		t.Fatal("late listener not called")
	}
}

func TestCommand_FlagsOnlyMoveForward(t *testing.T) {
	cmd := NewCommand("G0X1")
	cmd.SetQueued(true)
	cmd.SetSent(true)
	cmd.SetOK(true)
	cmd.SetDone(true)

	cmd.SetQueued(false)
	cmd.SetSent(false)
	cmd.SetOK(false)
	cmd.SetDone(false)

	assert.True(t, cmd.IsQueued())
	assert.True(t, cmd.IsSent())
	assert.True(t, cmd.IsOK())
	assert.True(t, cmd.IsDone())
	assert.False(t, cmd.IsError())
	assert.False(t, cmd.IsSkipped())
}

func TestCommand_Wait(t *testing.T) {
	cmd := NewCommand("G0X1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, cmd.Wait(ctx), context.DeadlineExceeded)

	go cmd.SetDone(true)
	require.NoError(t, cmd.Wait(context.Background()))
}

func TestCommand_StripComment(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantCode    string
		wantComment string
	}{
		{name: "plain", text: "G0 X1", wantCode: "G0 X1"},
		{name: "semicolon", text: "G0 X1 ; rapid", wantCode: "G0 X1", wantComment: "rapid"},
		{name: "paren", text: "G1 (cut) X2", wantCode: "G1  X2", wantComment: "cut"},
		{name: "comment only", text: "(header)", wantCode: "", wantComment: "header"},
		{name: "semicolon only", text: "; setup", wantCode: "", wantComment: "setup"},
		{name: "both", text: "M3 (spindle) ; on", wantCode: "M3", wantComment: "spindle on"},
		{name: "whitespace", text: "   ", wantCode: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, comment := stripComment(tt.text)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantComment, comment)
		})
	}
}

func TestCommand_CommentOnly(t *testing.T) {
	assert.True(t, NewCommand("(only a comment)").IsCommentOnly())
	assert.True(t, NewCommand("").IsCommentOnly())
	assert.False(t, NewCommand("G0X0 (move)").IsCommentOnly())
}

func TestCommand_BindEncodesOnce(t *testing.T) {
	cmd := NewCommand("G0X1", WithDialect(NewG2Core()), WithLineNumber(7))
	assert.Equal(t, `{"gc":"G0X1"}`, cmd.EncodedText())
	cmd.bind(NewGRBL())
	assert.Equal(t, `{"gc":"G0X1"}`, cmd.EncodedText())
	assert.Equal(t, "G2Core", cmd.Dialect().Name())
	assert.Equal(t, 7, cmd.LineNumber())
	assert.Equal(t, "G0X1", cmd.Text())
}

func TestCommand_AppendResponse(t *testing.T) {
	cmd := NewCommand("G0X1", WithDialect(NewGRBL()))
	assert.False(t, cmd.AppendResponse("[MSG:hello]"))
	assert.False(t, cmd.IsDone())
	assert.True(t, cmd.AppendResponse("ok"))
	assert.True(t, cmd.IsOK())
	assert.True(t, cmd.IsDone())
	assert.False(t, cmd.AppendResponse("ok"))
	assert.Equal(t, []string{"[MSG:hello]", "ok"}, cmd.Responses())
	assert.Equal(t, "ok", cmd.LastResponse())
}

func goroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	// "goroutine 123 [running]:"
	var id uint64
	for _, b := range buf[len("goroutine "):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + uint64(b-'0')
	}
	return id
}
