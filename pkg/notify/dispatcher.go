// ABOUTME: Notification dispatcher with one ordered queue per subscription
// ABOUTME: Dispatch only enqueues; delivery runs on per-subscription goroutines

package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/nainya/graphstore/internal/logger"
	"github.com/nainya/graphstore/internal/metrics"
	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/filter"
)

// Handle identifies a subscription
type Handle uint64

// Stats is a snapshot of dispatcher counters
type Stats struct {
	Subscriptions int
	Enqueued      uint64
	Delivered     uint64
	Failed        uint64
	Panicked      uint64
	Pending       int
}

// Dispatcher delivers committed change events to subscribed observers.
// Events for one subscription are delivered in the order they were
// dispatched, one at a time.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[Handle]*subscription
	next   Handle
	closed bool
	wg     sync.WaitGroup

	log     *logger.Logger
	metrics *metrics.Metrics

	// Stats
	enqueued  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	panicked  atomic.Uint64
}

// NewDispatcher creates a dispatcher. log and m may be nil.
func NewDispatcher(log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		subs:    make(map[Handle]*subscription),
		log:     logger.OrNop(log).DispatchLogger(),
		metrics: m,
	}
}

// Subscribe registers o for events matching spec. A nil spec, or one with no
// category specified, receives every event.
func (d *Dispatcher) Subscribe(o Observer, spec *filter.Spec) (Handle, error) {
	if o == nil {
		return 0, ErrNilObserver
	}
	if spec != nil {
		if err := spec.Validate(); err != nil {
			return 0, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}

	d.next++
	sub := &subscription{
		handle:     d.next,
		observer:   o,
		spec:       spec,
		dispatcher: d,
	}
	sub.cond = sync.NewCond(&sub.mu)
	d.subs[sub.handle] = sub

	d.wg.Add(1)
	go sub.run()

	d.metrics.SetSubscriptions(len(d.subs))
	d.log.Debug("observer subscribed").Uint64("subscription", uint64(sub.handle)).Stringer("filter", specString(spec)).Send()
	return sub.handle, nil
}

// Unsubscribe stops new deliveries to the subscription. Events already
// queued are still delivered. It never blocks, so observers may call it.
func (d *Dispatcher) Unsubscribe(h Handle) bool {
	d.mu.Lock()
	sub, ok := d.subs[h]
	if ok {
		delete(d.subs, h)
		d.metrics.SetSubscriptions(len(d.subs))
	}
	d.mu.Unlock()

	if ok {
		sub.stop()
	}
	return ok
}

// Dispatch queues events for every subscription they match and returns the
// number of deliveries queued. Calls must not overlap if per-observer
// ordering across batches matters; the commit pipeline serializes them.
func (d *Dispatcher) Dispatch(events []changes.Event) int {
	if len(events) == 0 {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0
	}

	queued := 0
	for _, sub := range d.subs {
		var batch []changes.Event
		for _, ev := range events {
			if Matches(sub.spec, ev) {
				batch = append(batch, ev)
			}
		}
		if len(batch) > 0 {
			sub.enqueue(batch)
			queued += len(batch)
		}
	}

	d.enqueued.Add(uint64(queued))
	d.metrics.RecordEnqueued(queued)
	return queued
}

// Close stops accepting events and subscriptions, then waits for every
// queue to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[Handle]*subscription)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	d.metrics.SetSubscriptions(0)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher drain: %w", ctx.Err())
	}
}

// Stats returns current counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	st := Stats{Subscriptions: len(d.subs)}
	subs := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		st.Pending += sub.pending()
	}
	st.Enqueued = d.enqueued.Load()
	st.Delivered = d.delivered.Load()
	st.Failed = d.failed.Load()
	st.Panicked = d.panicked.Load()
	return st
}

type subscription struct {
	handle     Handle
	observer   Observer
	spec       *filter.Spec
	dispatcher *Dispatcher

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []changes.Event
	stopped bool
}

func (s *subscription) enqueue(events []changes.Event) {
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// run delivers queued events until the subscription is stopped and drained
func (s *subscription) run() {
	defer s.dispatcher.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
	}
}

// deliver hands one event to the observer, isolating errors and panics
func (s *subscription) deliver(ev changes.Event) {
	d := s.dispatcher

	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.metrics.RecordObserverFailure("panic")
			d.log.LogObserverFailure(uint64(s.handle), ev.Kind.String(),
				fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
		d.delivered.Add(1)
		d.metrics.RecordDelivery()
	}()

	if err := Deliver(s.observer, ev); err != nil {
		d.failed.Add(1)
		d.metrics.RecordObserverFailure("error")
		d.log.LogObserverFailure(uint64(s.handle), ev.Kind.String(), err)
	}
}

func specString(spec *filter.Spec) fmt.Stringer {
	if spec == nil {
		return filter.New()
	}
	return spec
}
