package gocnc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Setting is one "$<key>=<value>" line of a settings dump.
type Setting struct {
	Key   string
	Value string
	Line  string
}

type SettingsOpt func(*SettingsQuery)

// WithPollInterval sets the unit of the Fetch deadline.
func WithPollInterval(d time.Duration) SettingsOpt {
	return func(q *SettingsQuery) {
		q.pollInterval = d
	}
}

// WithMaxPolls bounds how many poll intervals Fetch waits before giving up.
func WithMaxPolls(n int) SettingsOpt {
	return func(q *SettingsQuery) {
		q.maxPolls = n
	}
}

// SettingsQuery retrieves the firmware configuration as raw setting lines.
type SettingsQuery struct {
	comm         *Communicator
	pollInterval time.Duration
	maxPolls     int

	mu       sync.Mutex
	parsing  bool
	lines    []string
	finished chan struct{}
}

func NewSettingsQuery(comm *Communicator, opts ...SettingsOpt) *SettingsQuery {
	q := &SettingsQuery{
		comm:         comm,
		pollInterval: 50 * time.Millisecond,
		maxPolls:     100,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Fetch sends the dump command and blocks until the closing ok arrives,
// ctx is done or PollInterval*MaxPolls elapses. On timeout the lines
// collected so far are returned along with ErrSettingsIncomplete.
func (q *SettingsQuery) Fetch(ctx context.Context) ([]string, error) {
	dumper, ok := q.comm.Dialect().(SettingsDumper)
	if !ok {
		return nil, ErrUnsupported
	}

	finished := make(chan struct{})
	q.mu.Lock()
	q.parsing = true
	q.lines = nil
	q.finished = finished
	q.mu.Unlock()

	remove := q.comm.AddLineListener(func(line string) {
		q.collect(dumper, line)
	})
	defer remove()

	q.comm.QueueString(dumper.SettingsCommand())
	if err := q.comm.StreamCommands(); err != nil {
		return nil, err
	}

	timeout := q.pollInterval * time.Duration(q.maxPolls)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-finished:
		return q.collected(), nil
	case <-timer.C:
		return q.collected(), fmt.Errorf("%w: %w", ErrSettingsIncomplete,
			&TimeoutError{Timeout: timeout, Op: "settings"})
	case <-ctx.Done():
		return q.collected(), fmt.Errorf("%w: %w", ErrSettingsIncomplete, ctx.Err())
	}
}

func (q *SettingsQuery) collect(d SettingsDumper, line string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.parsing {
		return
	}
	switch {
	case d.IsSettingLine(line):
		q.lines = append(q.lines, line)
	case line == "ok" && len(q.lines) > 0:
		q.parsing = false
		close(q.finished)
	}
}

func (q *SettingsQuery) collected() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.lines))
	copy(out, q.lines)
	return out
}

// ParseSettings splits "$<key>=<value>" lines. Other lines are ignored.
func ParseSettings(lines []string) []Setting {
	var out []Setting
	for _, line := range lines {
		if !strings.HasPrefix(line, "$") {
			continue
		}
		key, value, found := strings.Cut(line[1:], "=")
		if !found {
			continue
		}
		// drop trailing descriptions such as "$10=255 (status report)"
		value, _, _ = strings.Cut(strings.TrimSpace(value), " ")
		out = append(out, Setting{
			Key:   strings.TrimSpace(key),
			Value: value,
			Line:  line,
		})
	}
	return out
}
