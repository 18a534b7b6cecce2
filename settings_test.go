package gocnc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchResult struct {
	lines []string
	err   error
}

func fetchAsync(ctx context.Context, q *SettingsQuery) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	go func() {
		lines, err := q.Fetch(ctx)
		out <- fetchResult{lines, err}
	}()
	return out
}

func waitSent(t *testing.T, conn *fakeConn, s string) {
	t.Helper()
	require.Eventually(t, func() bool { return countSent(conn, s) > 0 }, time.Second, time.Millisecond)
}

func TestSettingsQuery_Loopback(t *testing.T) {
	lb := NewLoopback(&ConnectionConfig{Logger: testLogger()})
	comm, _ := newTestCommunicator(t, lb, NewGRBL())

	lines, err := NewSettingsQuery(comm, WithPollInterval(time.Millisecond)).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, loopbackSettings, lines)
}

func TestSettingsQuery_IgnoresEarlyOK(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	q := NewSettingsQuery(comm, WithPollInterval(time.Millisecond), WithMaxPolls(2000))

	res := fetchAsync(context.Background(), q)
	waitSent(t, conn, "$$\n")

	conn.reply("ok")
	select {
	case r := <-res:
		t.Fatalf("an ok before any setting line ended the dump: %v %v", r.lines, r.err)
	case <-time.After(20 * time.Millisecond):
	}

	conn.reply("$0=10", "$1=25", "[MSG:noise]", "ok")
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, []string{"$0=10", "$1=25"}, r.lines)
	assert.Eventually(t, func() bool { return comm.State() == StateIdle }, time.Second, time.Millisecond)
}

func TestSettingsQuery_TimeoutReturnsPartial(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	q := NewSettingsQuery(comm, WithPollInterval(5*time.Millisecond), WithMaxPolls(40))

	res := fetchAsync(context.Background(), q)
	waitSent(t, conn, "$$\n")
	conn.reply("$0=10")

	r := <-res
	assert.ErrorIs(t, r.err, ErrSettingsIncomplete)
	assert.ErrorIs(t, r.err, ErrTimeout)
	assert.Equal(t, []string{"$0=10"}, r.lines)
}

func TestSettingsQuery_ContextCancel(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewGRBL())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSettingsQuery(comm).Fetch(ctx)
	assert.ErrorIs(t, err, ErrSettingsIncomplete)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSettingsQuery_Unsupported(t *testing.T) {
	conn := newFakeConn()
	comm, _ := newTestCommunicator(t, conn, NewG2Core())
	_, err := NewSettingsQuery(comm).Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.Empty(t, conn.Sent())
}

func TestParseSettings(t *testing.T) {
	got := ParseSettings([]string{
		"$0=10",
		"$10=255 (status report)",
		"$110 = 500.000",
		"[MSG:ignored]",
		"$N0=",
	})
	assert.Equal(t, []Setting{
		{Key: "0", Value: "10", Line: "$0=10"},
		{Key: "10", Value: "255", Line: "$10=255 (status report)"},
		{Key: "110", Value: "500.000", Line: "$110 = 500.000"},
		{Key: "N0", Value: "", Line: "$N0="},
	}, got)
}
