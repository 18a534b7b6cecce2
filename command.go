package gocnc

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Command is one line of work for the controller. Its flags only ever move
// forward; once done is set the completion listeners run exactly once on a
// separate goroutine.
type Command struct {
	id      string
	text    string
	encoded string
	comment string
	line    int

	mu        sync.Mutex
	dialect   Dialect
	queued    bool
	sent      bool
	skipped   bool
	ok        bool
	err       bool
	done      bool
	responses []string
	listeners []func(*Command)
	doneCh    chan struct{}
}

type CommandOpt func(*Command)

// WithLineNumber records the source line the command came from.
func WithLineNumber(n int) CommandOpt {
	return func(c *Command) {
		c.line = n
	}
}

// WithDialect binds the dialect that encodes the command and interprets its
// responses. The Communicator binds its own dialect to unbound commands.
func WithDialect(d Dialect) CommandOpt {
	return func(c *Command) {
		c.bind(d)
	}
}

func NewCommand(text string, opts ...CommandOpt) *Command {
	stripped, comment := stripComment(text)
	c := &Command{
		id:      uuid.NewString(),
		text:    text,
		encoded: stripped,
		comment: comment,
		doneCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// stripComment splits a G-code line into its code part and the comment
// text, covering both "( ... )" and "; ..." forms.
func stripComment(text string) (string, string) {
	var code, comment strings.Builder
	depth := 0
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case depth == 0 && ch == ';':
			if comment.Len() > 0 {
				comment.WriteByte(' ')
			}
			comment.WriteString(strings.TrimSpace(text[i+1:]))
			i = len(text)
		case ch == '(':
			if depth == 0 && comment.Len() > 0 {
				comment.WriteByte(' ')
			}
			if depth > 0 {
				comment.WriteByte(ch)
			}
			depth++
		case ch == ')' && depth > 0:
			depth--
			if depth > 0 {
				comment.WriteByte(ch)
			}
		case depth > 0:
			comment.WriteByte(ch)
		default:
			code.WriteByte(ch)
		}
	}
	return strings.TrimSpace(code.String()), strings.TrimSpace(comment.String())
}

func (c *Command) bind(d Dialect) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialect != nil || d == nil {
		return
	}
	c.dialect = d
	if c.encoded != "" {
		c.encoded = d.Encode(c.encoded)
	}
}

func (c *Command) ID() string { return c.id }

// Text returns the command exactly as the caller submitted it.
func (c *Command) Text() string { return c.text }

func (c *Command) Comment() string { return c.comment }

func (c *Command) LineNumber() int { return c.line }

// EncodedText is the text written to the wire, without the line terminator.
func (c *Command) EncodedText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.encoded
}

// IsCommentOnly reports whether nothing is left to send once comments and
// whitespace are removed.
func (c *Command) IsCommentOnly() bool {
	return c.EncodedText() == ""
}

func (c *Command) Dialect() Dialect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialect
}

func (c *Command) IsQueued() bool  { return c.flag(&c.queued) }
func (c *Command) IsSent() bool    { return c.flag(&c.sent) }
func (c *Command) IsSkipped() bool { return c.flag(&c.skipped) }
func (c *Command) IsOK() bool      { return c.flag(&c.ok) }
func (c *Command) IsError() bool   { return c.flag(&c.err) }
func (c *Command) IsDone() bool    { return c.flag(&c.done) }

func (c *Command) flag(f *bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *f
}

// The setters only move flags forward; passing false is a no-op.

func (c *Command) SetQueued(v bool) { c.set(&c.queued, v) }
func (c *Command) SetSent(v bool)   { c.set(&c.sent, v) }
func (c *Command) SetSkipped(v bool) {
	c.set(&c.skipped, v)
}
func (c *Command) SetOK(v bool)    { c.set(&c.ok, v) }
func (c *Command) SetError(v bool) { c.set(&c.err, v) }

func (c *Command) set(f *bool, v bool) {
	if !v {
		return
	}
	c.mu.Lock()
	*f = true
	c.mu.Unlock()
}

// SetDone marks the command done. Listeners are notified the first time only.
func (c *Command) SetDone(v bool) {
	if !v {
		return
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	listeners := c.listeners
	c.listeners = nil
	close(c.doneCh)
	c.mu.Unlock()

	if len(listeners) > 0 {
		go c.notify(listeners)
	}
}

func (c *Command) notify(listeners []func(*Command)) {
	for _, fn := range listeners {
		fn(c)
	}
}

// AddListener registers fn to be called once the command is done. If it
// already is, fn is scheduled right away.
func (c *Command) AddListener(fn func(*Command)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		go fn(c)
		return
	}
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Done is closed when the command reaches done.
func (c *Command) Done() <-chan struct{} {
	return c.doneCh
}

// Wait blocks until the command is done or ctx expires.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %q: %w", c.EncodedText(), ctx.Err())
	}
}

// Responses returns a copy of the lines received for this command so far.
func (c *Command) Responses() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.responses))
	copy(out, c.responses)
	return out
}

// LastResponse returns the most recent response line, or "".
func (c *Command) LastResponse() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.responses) == 0 {
		return ""
	}
	return c.responses[len(c.responses)-1]
}

// AppendResponse records a response line and lets the bound dialect decide
// whether the command is finished. It returns true if this line completed
// the command.
func (c *Command) AppendResponse(line string) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.responses = append(c.responses, line)
	d := c.dialect
	history := make([]string, len(c.responses))
	copy(history, c.responses)
	c.mu.Unlock()

	var verdict Verdict
	if d != nil {
		verdict = d.Evaluate(c, history)
	} else {
		verdict = evaluatePlain(line)
	}
	switch verdict {
	case VerdictOK:
		c.SetOK(true)
	case VerdictError:
		c.SetError(true)
	default:
		return false
	}
	c.SetDone(true)
	return true
}

func evaluatePlain(line string) Verdict {
	switch {
	case line == "ok":
		return VerdictOK
	case strings.HasPrefix(line, "error"):
		return VerdictError
	}
	return VerdictPending
}

func (c *Command) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var state string
	switch {
	case c.skipped:
		state = "skipped"
	case c.err:
		state = "error"
	case c.ok:
		state = "ok"
	case c.sent:
		state = "sent"
	case c.queued:
		state = "queued"
	default:
		state = "new"
	}
	if c.line > 0 {
		return fmt.Sprintf("#%d %s (%s)", c.line, c.encoded, state)
	}
	return fmt.Sprintf("%s (%s)", c.encoded, state)
}
