package gocnc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateIdle State = iota
	StateStreaming
	StatePaused
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStreaming:
		return "STREAMING"
	case StatePaused:
		return "PAUSED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

const defaultStatusPollInterval = 250 * time.Millisecond

type Opt func(*Communicator)

// WithDispatcher replaces the default asynchronous dispatcher. The caller
// owns the dispatcher's lifecycle.
func WithDispatcher(d Dispatcher) Opt {
	return func(c *Communicator) {
		c.dispatcher = d
	}
}

func WithLogger(log logrus.FieldLogger) Opt {
	return func(c *Communicator) {
		c.log = log
	}
}

// WithBufferSize overrides the dialect's flow control limit. Zero keeps the
// dialect default, Unlimited disables flow control.
func WithBufferSize(size int) Opt {
	return func(c *Communicator) {
		c.bufferSize = size
	}
}

// WithStatusPollInterval sets how often the status query is sent while
// connected. Zero disables polling.
func WithStatusPollInterval(d time.Duration) Opt {
	return func(c *Communicator) {
		c.pollInterval = d
	}
}

// WithSingleStepMode keeps at most one command in flight.
func WithSingleStepMode(enabled bool) Opt {
	return func(c *Communicator) {
		c.singleStep = enabled
	}
}

type flight struct {
	cmd  *Command
	cost int
}

type lineListener struct {
	id int
	fn func(string)
}

// Communicator streams queued commands to a controller without overrunning
// its receive buffer and matches every response to the oldest command in
// flight.
type Communicator struct {
	conn       Connection
	dialect    Dialect
	log        logrus.FieldLogger
	dispatcher Dispatcher
	owned      *AsyncDispatcher

	bufferSize   int
	pollInterval time.Duration
	singleStep   bool

	mu          sync.Mutex
	state       State
	queue       []*Command
	inFlight    []flight
	inFlightSum int
	status      *ControllerStatus
	pending     []Event
	stopSup     chan struct{}
	supDone     chan struct{}

	// dispatchMu serializes delivery so events leave in production order.
	dispatchMu sync.Mutex

	lineMu        sync.RWMutex
	lineListeners []lineListener
	nextLineID    int
}

func NewCommunicator(conn Connection, dialect Dialect, opts ...Opt) (*Communicator, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if dialect == nil {
		return nil, errors.New("dialect is nil")
	}
	c := &Communicator{
		conn:         conn,
		dialect:      dialect,
		log:          logrus.StandardLogger(),
		pollInterval: defaultStatusPollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.WithField("dialect", dialect.Name())
	if c.dispatcher == nil {
		d := NewAsyncDispatcher(c.log)
		d.Start()
		c.dispatcher = d
		c.owned = d
	}
	return c, nil
}

// Connect opens the connection and starts the status poller.
func (c *Communicator) Connect(ctx context.Context, address string, baud int) error {
	c.conn.SetLineHandler(c.handleLine)
	if err := c.conn.Open(ctx, address, baud); err != nil {
		return err
	}
	c.mu.Lock()
	if c.stopSup == nil {
		c.stopSup = make(chan struct{})
		c.supDone = make(chan struct{})
		go c.supervise(c.stopSup, c.supDone)
	}
	c.mu.Unlock()
	c.log.WithField("connection", c.conn.Name()).Infof("connected to %s", address)
	return nil
}

// Disconnect closes the connection and skips every command still queued or
// in flight.
func (c *Communicator) Disconnect() error {
	c.mu.Lock()
	stop, done := c.stopSup, c.supDone
	c.stopSup, c.supDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	err := c.conn.Close()

	c.mu.Lock()
	c.abandonLocked()
	c.setState(StateIdle)
	c.mu.Unlock()
	c.flush()
	return err
}

// Close disconnects and stops the default dispatcher if one was created.
// A listener failure that stopped the dispatcher is returned along with any
// disconnect error.
func (c *Communicator) Close() error {
	err := c.Disconnect()
	if c.owned != nil {
		c.owned.Stop()
	}
	return errors.Join(err, c.DispatchErr())
}

// DispatchErr returns the *DispatchFailure that stopped event delivery, or
// nil. Only dispatchers that record failures, such as AsyncDispatcher, can
// report one.
func (c *Communicator) DispatchErr() error {
	if d, ok := c.dispatcher.(interface{ Err() error }); ok {
		return d.Err()
	}
	return nil
}

func (c *Communicator) supervise(stop, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	poller, canPoll := c.dialect.(StatusPoller)
	if canPoll && c.pollInterval > 0 {
		t := time.NewTicker(c.pollInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
			if err := c.conn.Send(poller.StatusQuery()); err != nil {
				c.log.WithError(err).Debug("status poll")
			}
		case err := <-c.conn.Err():
			c.log.WithError(err).Error("connection lost")
			c.mu.Lock()
			// let a later Connect start a fresh supervisor
			if c.stopSup == stop {
				c.stopSup, c.supDone = nil, nil
			}
			c.abandonLocked()
			c.setState(StateIdle)
			c.emit(Event{Type: EventConsoleMessage, Message: "connection lost: " + err.Error()})
			c.mu.Unlock()
			c.flush()
			return
		}
	}
}

// QueueCommand appends cmd to the outbound queue. It never sends; call
// StreamCommands for that. Queuing after a cancel starts a new job.
func (c *Communicator) QueueCommand(cmd *Command) {
	if cmd == nil {
		return
	}
	cmd.bind(c.dialect)
	cmd.SetQueued(true)
	c.mu.Lock()
	c.queue = append(c.queue, cmd)
	if c.state == StateCancelled {
		c.setState(StateIdle)
	}
	c.mu.Unlock()
	c.flush()
}

func (c *Communicator) QueueString(text string) *Command {
	cmd := NewCommand(text)
	c.QueueCommand(cmd)
	return cmd
}

// StreamCommands sends queued commands while the flow control window has
// room, then returns. It never waits for acknowledgements.
func (c *Communicator) StreamCommands() error {
	c.mu.Lock()
	err := c.streamLocked()
	c.mu.Unlock()
	c.flush()
	return err
}

func (c *Communicator) flow() FlowControl {
	fc := c.dialect.FlowControl()
	if c.bufferSize != 0 {
		fc.Limit = c.bufferSize
	}
	return fc
}

func (c *Communicator) streamLocked() error {
	fc := c.flow()
	for len(c.queue) > 0 {
		if c.state == StatePaused || c.state == StateCancelled {
			return nil
		}
		cmd := c.queue[0]
		if cmd.IsDone() {
			c.queue = c.queue[1:]
			continue
		}
		if cmd.IsCommentOnly() {
			c.queue = c.queue[1:]
			c.skip(cmd)
			continue
		}

		encoded := cmd.EncodedText()
		cost := 1
		if fc.Mode == CharacterCounting {
			cost = len(encoded) + 1
		}
		if fc.Limit > 0 {
			if cost > fc.Limit {
				c.queue = c.queue[1:]
				c.log.WithError(ErrCommandTooLong).WithField("cmd", encoded).Errorf("%d > %d %s", cost, fc.Limit, fc.Mode)
				c.skip(cmd)
				continue
			}
			if c.inFlightSum+cost > fc.Limit {
				return nil
			}
		}
		if c.singleStep && len(c.inFlight) > 0 {
			return nil
		}

		if err := c.conn.Send([]byte(encoded + "\n")); err != nil {
			c.setState(StatePaused)
			var te *TransportError
			if !errors.As(err, &te) {
				err = &TransportError{Op: "send", Err: err}
			}
			return err
		}
		c.queue = c.queue[1:]
		cmd.SetSent(true)
		c.inFlight = append(c.inFlight, flight{cmd: cmd, cost: cost})
		c.inFlightSum += cost
		c.setState(StateStreaming)
		c.emit(Event{Type: EventCommandSent, Command: cmd})
	}
	c.checkIdle()
	return nil
}

func (c *Communicator) checkIdle() {
	if c.state == StateStreaming && len(c.queue) == 0 && len(c.inFlight) == 0 {
		c.setState(StateIdle)
	}
}

func (c *Communicator) handleLine(line string) {
	c.lineMu.RLock()
	taps := make([]lineListener, len(c.lineListeners))
	copy(taps, c.lineListeners)
	c.lineMu.RUnlock()
	for _, t := range taps {
		t.fn(line)
	}

	c.mu.Lock()
	err := c.processLine(line)
	c.mu.Unlock()
	c.flush()
	if err != nil {
		c.log.WithError(err).Error("failed to stream")
	}
}

func (c *Communicator) processLine(line string) error {
	kind, stat, err := c.dialect.ParseLine(c.status, line)
	if err != nil {
		c.log.Warn((&ProtocolError{Line: line, Err: err}).Error())
		return nil
	}

	switch kind {
	case LineStatus:
		if stat == nil {
			return nil
		}
		c.status = stat
		c.emit(Event{Type: EventStatus, Status: stat.clone()})
		return nil
	case LineInfo:
		c.emit(Event{Type: EventConsoleMessage, Message: line})
		return nil
	case LineBanner:
		if vq, ok := c.dialect.(VersionQuerier); ok && len(c.inFlight) > 0 && vq.IsVersionQuery(c.inFlight[0].cmd) {
			return c.completeLocked(line)
		}
		c.controllerReset(line)
		return nil
	}

	if len(c.inFlight) == 0 {
		c.emit(Event{Type: EventConsoleMessage, Message: line})
		return nil
	}
	return c.completeLocked(line)
}

func (c *Communicator) completeLocked(line string) error {
	cmd := c.inFlight[0].cmd
	if !cmd.AppendResponse(line) {
		return nil
	}
	c.inFlightSum -= c.inFlight[0].cost
	c.inFlight = c.inFlight[1:]
	c.emit(Event{Type: EventCommandComplete, Command: cmd})

	if cmd.IsError() {
		c.log.WithField("line", cmd.LineNumber()).Error((&CommandError{Command: cmd, Response: line}).Error())
		if c.state != StateCancelled {
			c.emit(Event{Type: EventPausedOnError, Command: cmd})
			c.setState(StatePaused)
		}
		return nil
	}
	if err := c.streamLocked(); err != nil {
		return err
	}
	c.checkIdle()
	return nil
}

// controllerReset handles a banner nobody asked for: the controller has
// restarted and forgotten everything in flight.
func (c *Communicator) controllerReset(banner string) {
	c.log.Warnf("controller reset: %s", banner)
	for _, f := range c.inFlight {
		c.skip(f.cmd)
	}
	c.inFlight = nil
	c.inFlightSum = 0
	c.emit(Event{Type: EventControllerReset, Message: banner})
	if len(c.queue) > 0 && c.state != StateCancelled {
		c.setState(StatePaused)
	} else if c.state == StateStreaming {
		c.setState(StateIdle)
	}
}

// PauseSend stops further transmission. Queued and in-flight commands are
// kept.
func (c *Communicator) PauseSend() {
	c.mu.Lock()
	if c.state != StateCancelled {
		c.setState(StatePaused)
	}
	c.mu.Unlock()
	c.flush()
}

// ResumeSend leaves the paused state and sends whatever fits.
func (c *Communicator) ResumeSend() error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return nil
	}
	if len(c.queue) > 0 || len(c.inFlight) > 0 {
		c.setState(StateStreaming)
	} else {
		c.setState(StateIdle)
	}
	err := c.streamLocked()
	c.mu.Unlock()
	c.flush()
	return err
}

// CancelSend skips every queued command and interrupts the controller if
// the dialect knows how.
func (c *Communicator) CancelSend() error {
	c.mu.Lock()
	for _, cmd := range c.queue {
		c.skip(cmd)
	}
	c.queue = nil
	c.setState(StateCancelled)
	var interrupt []byte
	if i, ok := c.dialect.(Interrupter); ok {
		interrupt = i.SoftInterrupt()
	}
	c.mu.Unlock()
	c.flush()

	if interrupt == nil || !c.conn.IsOpen() {
		return nil
	}
	return c.conn.Send(interrupt)
}

// SoftReset resets the controller and drops all bookkeeping. Commands in
// flight are marked skipped.
func (c *Communicator) SoftReset() error {
	r, ok := c.dialect.(Resetter)
	if !ok {
		return ErrUnsupported
	}
	c.mu.Lock()
	c.abandonLocked()
	c.setState(StateIdle)
	c.mu.Unlock()
	c.flush()
	return c.conn.Send(r.SoftReset())
}

// abandonLocked skips everything queued or in flight.
func (c *Communicator) abandonLocked() {
	for _, cmd := range c.queue {
		c.skip(cmd)
	}
	for _, f := range c.inFlight {
		c.skip(f.cmd)
	}
	c.queue = nil
	c.inFlight = nil
	c.inFlightSum = 0
}

// SendRealtime writes b immediately, bypassing the queue and flow control.
func (c *Communicator) SendRealtime(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return c.conn.Send(b)
}

func (c *Communicator) FeedHold() error {
	p, ok := c.dialect.(Pauser)
	if !ok {
		return ErrUnsupported
	}
	return c.SendRealtime(p.FeedHold())
}

func (c *Communicator) CycleStart() error {
	p, ok := c.dialect.(Pauser)
	if !ok {
		return ErrUnsupported
	}
	return c.SendRealtime(p.CycleStart())
}

// AddLineListener registers fn for every raw line received, before the
// dialect sees it. fn runs on the connection's reader goroutine.
func (c *Communicator) AddLineListener(fn func(string)) (remove func()) {
	c.lineMu.Lock()
	id := c.nextLineID
	c.nextLineID++
	c.lineListeners = append(c.lineListeners, lineListener{id: id, fn: fn})
	c.lineMu.Unlock()

	return func() {
		c.lineMu.Lock()
		defer c.lineMu.Unlock()
		for i, l := range c.lineListeners {
			if l.id == id {
				c.lineListeners = append(c.lineListeners[:i:i], c.lineListeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Communicator) AddListener(l Listener)    { c.dispatcher.AddListener(l) }
func (c *Communicator) RemoveListener(l Listener) { c.dispatcher.RemoveListener(l) }

func (c *Communicator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Communicator) IsPaused() bool {
	return c.State() == StatePaused
}

// Status returns a copy of the latest controller status, or nil before the
// first report.
func (c *Communicator) Status() *ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == nil {
		return nil
	}
	return c.status.clone()
}

func (c *Communicator) InFlight() []*Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Command, len(c.inFlight))
	for i, f := range c.inFlight {
		out[i] = f.cmd
	}
	return out
}

func (c *Communicator) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// BufferUsage is the flow control budget in use: characters or commands,
// depending on the dialect.
func (c *Communicator) BufferUsage() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlightSum
}

func (c *Communicator) Dialect() Dialect { return c.dialect }

func (c *Communicator) FlowControl() FlowControl { return c.flow() }

// skip must be called with mu held.
// A command that already finished keeps its verdict.
func (c *Communicator) skip(cmd *Command) {
	if cmd.IsDone() {
		return
	}
	cmd.SetSkipped(true)
	cmd.SetDone(true)
	c.emit(Event{Type: EventCommandSkipped, Command: cmd})
}

// setState must be called with mu held.
func (c *Communicator) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Debugf("state %s -> %s", c.state, s)
	c.state = s
	c.emit(Event{Type: EventStateChanged, State: s})
}

// emit must be called with mu held. Events are handed to the dispatcher by
// flush once mu is released.
func (c *Communicator) emit(e Event) {
	c.pending = append(c.pending, e)
}

// flush hands pending events to the dispatcher in the order they were
// produced. A flush already running, possibly further up this goroutine's
// stack, picks up events added meanwhile.
func (c *Communicator) flush() {
	for {
		if !c.dispatchMu.TryLock() {
			return
		}
		c.mu.Lock()
		events := c.pending
		c.pending = nil
		c.mu.Unlock()

		if len(events) > 0 {
			c.dispatch(events)
			continue
		}
		c.dispatchMu.Unlock()

		c.mu.Lock()
		more := len(c.pending) > 0
		c.mu.Unlock()
		if !more {
			return
		}
	}
}

func (c *Communicator) dispatch(events []Event) {
	defer c.dispatchMu.Unlock()
	for _, e := range events {
		c.dispatcher.Dispatch(e)
	}
}
