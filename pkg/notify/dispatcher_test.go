package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/nainya/graphstore/pkg/changes"
	"github.com/nainya/graphstore/pkg/entity"
	"github.com/nainya/graphstore/pkg/filter"
	"github.com/nainya/graphstore/pkg/value"
)

// recorder collects delivered events
type recorder struct {
	mu     sync.Mutex
	events []changes.Event
}

func (r *recorder) observer() EventFunc {
	return func(ev changes.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		return nil
	}
}

func (r *recorder) kinds() []changes.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]changes.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func setupDispatcher(t *testing.T) (*Dispatcher, func()) {
	t.Helper()
	d := NewDispatcher(nil, nil)
	return d, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}
}

func sampleEvents() []changes.Event {
	s := &entity.State{
		ID:         entity.NewID(),
		Type:       "T1",
		Properties: map[string]value.Value{"P1": value.Int(111)},
		Groups:     map[string]struct{}{"G1": {}},
	}
	return changes.Diff(nil, s)
}

func TestDispatchDeliversInOrder(t *testing.T) {
	d, cleanup := setupDispatcher(t)

	rec := &recorder{}
	if _, err := d.Subscribe(rec.observer(), nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	events := sampleEvents()
	assert.Equal(t, d.Dispatch(events), 3)
	cleanup()

	assert.Equal(t, rec.kinds(), []changes.Kind{changes.EntityInserted, changes.PropertyInserted, changes.GroupInserted})
}

func TestSubscriptionFilter(t *testing.T) {
	d, cleanup := setupDispatcher(t)

	byType, byGroup, byProp, other := &recorder{}, &recorder{}, &recorder{}, &recorder{}
	subs := []struct {
		rec  *recorder
		spec *filter.Spec
	}{
		{byType, filter.New().WithTypes("T1")},
		{byGroup, filter.New().WithGroups("G1")},
		{byProp, filter.New().Equals("P1", value.Int(111))},
		{other, filter.New().WithTypes("T2")},
	}
	for _, s := range subs {
		if _, err := d.Subscribe(s.rec.observer(), s.spec); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	d.Dispatch(sampleEvents())
	cleanup()

	all := []changes.Kind{changes.EntityInserted, changes.PropertyInserted, changes.GroupInserted}
	assert.Equal(t, byType.kinds(), all)
	assert.Equal(t, byGroup.kinds(), all)
	assert.Equal(t, byProp.kinds(), all)
	assert.Equal(t, len(other.kinds()), 0)
}

func TestMatchesUsesEventPayload(t *testing.T) {
	s := &entity.State{
		ID:         entity.NewID(),
		Type:       "T",
		Properties: map[string]value.Value{"P": value.Int(2), "Q": value.Int(9)},
		Groups:     map[string]struct{}{"G": {}, "H": {}},
	}

	onlyG := filter.New().WithGroups("G")
	assert.Equal(t, Matches(onlyG, changes.Event{Kind: changes.GroupInserted, Entity: s, Name: "G"}), true)
	assert.Equal(t, Matches(onlyG, changes.Event{Kind: changes.GroupInserted, Entity: s, Name: "H"}), false)

	p1 := filter.New().Equals("P", value.Int(1))
	assert.Equal(t, Matches(p1, changes.Event{Kind: changes.PropertyUpdated, Entity: s, Name: "P", Old: value.Int(1), New: value.Int(2)}), true)
	assert.Equal(t, Matches(p1, changes.Event{Kind: changes.PropertyDeleted, Entity: s, Name: "P", Old: value.Int(1)}), true)
	assert.Equal(t, Matches(p1, changes.Event{Kind: changes.PropertyInserted, Entity: s, Name: "P", New: value.Int(2)}), false)
	assert.Equal(t, Matches(p1, changes.Event{Kind: changes.PropertyInserted, Entity: s, Name: "Q", New: value.Int(9)}), false)

	assert.Equal(t, Matches(nil, changes.Event{Kind: changes.EntityDeleted, Entity: s}), true)
	assert.Equal(t, Matches(filter.New().WithTypes("U"), changes.Event{Kind: changes.EntityDeleted, Entity: s}), false)
}

type failingObserver struct {
	BaseObserver
}

func (failingObserver) EntityInserted(*entity.State) error { panic("observer exploded") }

func (failingObserver) PropertyInserted(*entity.State, string, value.Value) error {
	return errors.New("observer failed")
}

func TestObserverFailuresAreIsolated(t *testing.T) {
	d, cleanup := setupDispatcher(t)

	rec := &recorder{}
	if _, err := d.Subscribe(failingObserver{}, nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := d.Subscribe(rec.observer(), nil); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	d.Dispatch(sampleEvents())
	d.Dispatch(sampleEvents())
	cleanup()

	assert.Equal(t, len(rec.kinds()), 6)

	st := d.Stats()
	assert.Equal(t, st.Panicked, uint64(2))
	assert.Equal(t, st.Failed, uint64(2))
	assert.Equal(t, st.Delivered, uint64(12))
	assert.Equal(t, st.Enqueued, uint64(12))
}

func TestUnsubscribeFromCallback(t *testing.T) {
	d, cleanup := setupDispatcher(t)

	var handle Handle
	var calls int
	ready := make(chan struct{})

	obs := EventFunc(func(changes.Event) error {
		<-ready
		calls++
		d.Unsubscribe(handle)
		return nil
	})

	h, err := d.Subscribe(obs, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	handle = h
	close(ready)

	// Already queued events are still delivered after unsubscribe
	d.Dispatch(sampleEvents())
	cleanup()

	assert.Equal(t, calls, 3)
	assert.Equal(t, d.Unsubscribe(handle), false)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d, cleanup := setupDispatcher(t)

	rec := &recorder{}
	h, err := d.Subscribe(rec.observer(), nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	assert.Equal(t, d.Unsubscribe(h), true)

	assert.Equal(t, d.Dispatch(sampleEvents()), 0)
	cleanup()

	assert.Equal(t, len(rec.kinds()), 0)
}

func TestClosedDispatcher(t *testing.T) {
	d, cleanup := setupDispatcher(t)
	cleanup()

	if _, err := d.Subscribe((&recorder{}).observer(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	assert.Equal(t, d.Dispatch(sampleEvents()), 0)
	assert.Equal(t, d.Close(context.Background()), nil)
}

func TestSubscribeValidatesFilter(t *testing.T) {
	d, cleanup := setupDispatcher(t)
	defer cleanup()

	_, err := d.Subscribe(BaseObserver{}, filter.New().WithGroups(""))
	var ife *filter.InvalidFilterError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InvalidFilterError, got %v", err)
	}

	if _, err := d.Subscribe(nil, nil); !errors.Is(err, ErrNilObserver) {
		t.Fatalf("expected ErrNilObserver, got %v", err)
	}
}

func TestCloseTimesOutOnStuckObserver(t *testing.T) {
	d := NewDispatcher(nil, nil)

	release := make(chan struct{})
	defer close(release)

	_, err := d.Subscribe(EventFunc(func(changes.Event) error {
		<-release
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	d.Dispatch(sampleEvents())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestFuncsIgnoresMissingHandlers(t *testing.T) {
	var inserted []string
	f := Funcs{
		OnPropertyInserted: func(_ *entity.State, name string, _ value.Value) error {
			inserted = append(inserted, name)
			return nil
		},
	}

	for _, ev := range sampleEvents() {
		assert.Equal(t, Deliver(f, ev), nil)
	}
	assert.Equal(t, inserted, []string{"P1"})
}
