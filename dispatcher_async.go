package gocnc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AsyncDispatcher queues events and delivers them from a single worker
// goroutine in FIFO order. Dispatch never blocks, which keeps slow or broken
// listeners away from the connection's read loop.
//
// The dispatcher is fail-stop: the first listener panic stops it for good and
// the failure is available from Err. Events dispatched before Start are held
// until the worker runs.
type AsyncDispatcher struct {
	listenerSet
	log logrus.FieldLogger

	mu      sync.Mutex
	queue   []Event
	busy    bool
	running bool
	stopped bool
	err     error

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

var _ Dispatcher = (*AsyncDispatcher)(nil)

func NewAsyncDispatcher(log logrus.FieldLogger) *AsyncDispatcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AsyncDispatcher{
		log:    log.WithField("component", "dispatcher"),
		signal: make(chan struct{}, 1),
	}
}

// Start launches the worker. It is a no-op if the worker is running or the
// dispatcher has been stopped; call Reset to reuse a stopped dispatcher.
func (d *AsyncDispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running || d.stopped {
		return
	}
	d.running = true
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.quit, d.done)
	if len(d.queue) > 0 {
		d.notify()
	}
}

func (d *AsyncDispatcher) Dispatch(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.log.Debugf("dropping %s, dispatcher stopped", e.Type)
		return
	}
	d.queue = append(d.queue, e)
	d.notify()
}

// notify must be called with d.mu held.
func (d *AsyncDispatcher) notify() {
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// Stop halts the worker. A listener call in progress is abandoned, Stop does
// not wait for it to return. Safe to call more than once.
func (d *AsyncDispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	quit, done := d.quit, d.done
	wasRunning := d.running
	d.running = false
	d.quit = nil
	d.mu.Unlock()

	if !wasRunning {
		return
	}
	close(quit)
	<-done
}

// IsStopped reports whether Stop was called or a listener failed.
func (d *AsyncDispatcher) IsStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Err returns the *DispatchFailure that stopped the dispatcher, if any.
func (d *AsyncDispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Pending returns the number of queued, undelivered events.
func (d *AsyncDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Reset stops the worker and clears queued events and any failure so the
// dispatcher can be started again.
func (d *AsyncDispatcher) Reset() {
	d.Stop()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = nil
	d.busy = false
	d.stopped = false
	d.err = nil
	select {
	case <-d.signal:
	default:
	}
}

// Drain blocks until every queued event has been delivered, the dispatcher
// stops, or ctx is done.
func (d *AsyncDispatcher) Drain(ctx context.Context) error {
	t := time.NewTicker(2 * time.Millisecond)
	defer t.Stop()
	for {
		d.mu.Lock()
		idle := len(d.queue) == 0 && !d.busy
		stopped, err := d.stopped, d.err
		d.mu.Unlock()
		switch {
		case err != nil:
			return err
		case stopped:
			return ErrDispatcherStopped
		case idle:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (d *AsyncDispatcher) run(quit, done chan struct{}) {
	defer close(done)
	for {
		e, ok := d.next(quit)
		if !ok {
			return
		}
		if !d.invoke(quit, e) {
			return
		}
	}
}

func (d *AsyncDispatcher) next(quit chan struct{}) (Event, bool) {
	for {
		d.mu.Lock()
		d.busy = false
		if len(d.queue) > 0 {
			e := d.queue[0]
			d.queue[0] = Event{}
			d.queue = d.queue[1:]
			d.busy = true
			d.mu.Unlock()
			return e, true
		}
		d.mu.Unlock()
		select {
		case <-d.signal:
		case <-quit:
			return Event{}, false
		}
	}
}

// invoke delivers e to every listener. It returns false when the worker must
// exit, either because Stop was called or a listener panicked.
func (d *AsyncDispatcher) invoke(quit chan struct{}, e Event) bool {
	for _, l := range d.snapshot() {
		result := make(chan any, 1)
		go func(l Listener) {
			defer func() {
				result <- recover()
			}()
			deliver(l, e)
		}(l)

		select {
		case r := <-result:
			if r != nil {
				d.fail(e, r)
				return false
			}
		case <-quit:
			return false
		}
	}
	return true
}

func (d *AsyncDispatcher) fail(e Event, value any) {
	failure := &DispatchFailure{Event: e, Value: value}
	d.mu.Lock()
	d.stopped = true
	d.running = false
	d.busy = false
	d.quit = nil
	d.err = failure
	d.mu.Unlock()
	d.log.WithError(failure).Error("listener panicked, dispatcher stopped")
}
