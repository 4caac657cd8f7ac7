package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
)

func newTestBus(t *testing.T, capacity int) *Bus {
	t.Helper()
	b, err := NewBus(log.NewNopLogger(), capacity, 8)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	return b
}

// collect appends handled event ids in dispatch order.
type collect struct {
	mu  sync.Mutex
	ids []string
}

func (c *collect) handler(ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, ev.ID)
	return nil
}

func (c *collect) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestBus_PriorityOrderThenFIFO(t *testing.T) {
	b := newTestBus(t, 100)
	c := &collect{}
	b.Subscribe(EventCustom, c.handler)

	// Publish before Start so the dispatcher sees the whole batch and order
	// depends only on (priority, publish seq).
	low1 := New(EventCustom, PriorityLow, "test", nil, 0)
	crit := New(EventCustom, PriorityCritical, "test", nil, 0)
	low2 := New(EventCustom, PriorityLow, "test", nil, 0)
	norm := New(EventCustom, PriorityNormal, "test", nil, 0)
	for _, ev := range []*Event{low1, crit, low2, norm} {
		if id := b.Publish(ev); id == "" {
			t.Fatal("publish failed")
		}
	}

	b.Start()
	defer b.Stop()
	waitFor(t, func() bool { return len(c.snapshot()) == 4 })

	want := []string{crit.ID, norm.ID, low1.ID, low2.ID}
	got := c.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", got, want)
		}
	}
}

func TestBus_DeterministicReplay(t *testing.T) {
	// Same publish sequence twice must produce identical dispatch order.
	run := func() []string {
		b := newTestBus(t, 100)
		c := &collect{}
		b.Subscribe(EventOrder, c.handler)
		b.Subscribe(Wildcard, c.handler)

		evs := []*Event{
			New(EventOrder, PriorityNormal, "t", nil, 0),
			New(EventOrder, PriorityCritical, "t", nil, 0),
			New(EventFill, PriorityNormal, "t", nil, 0),
			New(EventOrder, PriorityNormal, "t", nil, 0),
		}
		// Stable ids so runs compare.
		for i, ev := range evs {
			ev.ID = string(rune('a' + i))
			b.Publish(ev)
		}
		b.Start()
		waitFor(t, func() bool { return b.Stats().Processed == 4 })
		b.Stop()
		return c.snapshot()
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("runs differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("runs diverge at %d: %v vs %v", i, first, second)
		}
	}
}

func TestBus_WildcardReceivesEverything(t *testing.T) {
	b := newTestBus(t, 100)
	c := &collect{}
	b.Subscribe(Wildcard, c.handler)
	b.Start()
	defer b.Stop()

	b.Publish(New(EventMarket, PriorityNormal, "t", nil, 0))
	b.Publish(New(EventFill, PriorityNormal, "t", nil, 0))
	b.Publish(New(EventSystemError, PriorityCritical, "t", nil, 0))

	waitFor(t, func() bool { return len(c.snapshot()) == 3 })
}

func TestBus_SubscriberPriorityOrdersHandlers(t *testing.T) {
	b := newTestBus(t, 100)
	var mu sync.Mutex
	var order []string

	append1 := func(name string) Handler {
		return func(*Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe(EventCustom, append1("low"), WithPriority(PriorityLow))
	b.Subscribe(EventCustom, append1("critical"), WithPriority(PriorityCritical))
	b.Subscribe(Wildcard, append1("wild-normal"))

	b.Start()
	defer b.Stop()
	b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(order) == 3 })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"critical", "wild-normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handler order %v, want %v", order, want)
		}
	}
}

func TestBus_FailingHandlerIsIsolated(t *testing.T) {
	b := newTestBus(t, 100)
	c := &collect{}
	b.Subscribe(EventCustom, func(*Event) error { return errors.New("boom") }, WithPriority(PriorityCritical))
	b.Subscribe(EventCustom, func(*Event) error { panic("worse") }, WithPriority(PriorityHigh))
	b.Subscribe(EventCustom, c.handler, WithPriority(PriorityLow))

	b.Start()
	defer b.Stop()
	b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0))

	waitFor(t, func() bool { return b.Stats().Processed == 1 })
	if got := len(c.snapshot()); got != 1 {
		t.Fatalf("surviving handler ran %d times", got)
	}
	stats := b.Stats()
	if stats.Failed != 2 {
		t.Errorf("expected 2 failures, got %d", stats.Failed)
	}
	if stats.Processed != 1 {
		t.Errorf("expected 1 processed, got %d", stats.Processed)
	}
}

func TestBus_SaturationShedsLoad(t *testing.T) {
	b := newTestBus(t, 2)
	// Not started: queue cannot drain.
	if id := b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0)); id == "" {
		t.Fatal("first publish should succeed")
	}
	if id := b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0)); id == "" {
		t.Fatal("second publish should succeed")
	}
	if id := b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0)); id != "" {
		t.Error("third publish should be shed")
	}
	if _, err := b.TryPublish(New(EventCustom, PriorityNormal, "t", nil, 0)); err == nil {
		t.Error("TryPublish should report saturation")
	}
}

func TestBus_StopDrainsQueue(t *testing.T) {
	b := newTestBus(t, 100)
	c := &collect{}
	b.Subscribe(EventCustom, c.handler)

	for i := 0; i < 50; i++ {
		b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0))
	}
	b.Start()
	b.Stop()

	if got := len(c.snapshot()); got != 50 {
		t.Errorf("expected 50 handled after drain, got %d", got)
	}
	if _, err := b.TryPublish(New(EventCustom, PriorityNormal, "t", nil, 0)); err == nil {
		t.Error("publish after stop should fail")
	}
}

func TestBus_PauseResume(t *testing.T) {
	b := newTestBus(t, 100)
	c := &collect{}
	b.Subscribe(EventCustom, c.handler)
	b.Start()
	defer b.Stop()

	b.Pause()
	b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0))
	time.Sleep(20 * time.Millisecond)
	if got := len(c.snapshot()); got != 0 {
		t.Fatalf("dispatched while paused: %d", got)
	}

	b.Resume()
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })
}

func TestBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t, 100)
	c := &collect{}
	id := b.Subscribe(EventCustom, c.handler)

	if !b.Unsubscribe(id) {
		t.Error("unsubscribe of live id should succeed")
	}
	if b.Unsubscribe(id) {
		t.Error("double unsubscribe should fail")
	}
	if b.Unsubscribe("nope") {
		t.Error("unknown id should fail")
	}

	b.Start()
	defer b.Stop()
	b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0))
	waitFor(t, func() bool { return b.Stats().Processed == 1 })
	if got := len(c.snapshot()); got != 0 {
		t.Errorf("unsubscribed handler ran %d times", got)
	}
}

func TestBus_AsyncHandlerRuns(t *testing.T) {
	b := newTestBus(t, 100)
	done := make(chan struct{})
	b.Subscribe(EventCustom, func(*Event) error {
		close(done)
		return nil
	}, WithAsync())

	b.Start()
	defer b.Stop()
	b.Publish(New(EventCustom, PriorityNormal, "t", nil, 0))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handler never ran")
	}
}

func TestBus_EventRecordLookup(t *testing.T) {
	b := newTestBus(t, 100)
	ev := New(EventCustom, PriorityNormal, "t", nil, 7)
	b.Publish(ev)

	got, ok := b.Event(ev.ID)
	if !ok {
		t.Fatal("published event not recorded")
	}
	if got.Timestamp != 7 {
		t.Errorf("wrong record: %+v", got)
	}
	if _, ok := b.Event("missing"); ok {
		t.Error("lookup of unknown id should fail")
	}
}

func TestBus_RecordTrimEvictsOldest(t *testing.T) {
	b := newTestBus(t, recordCap+100)

	first := New(EventCustom, PriorityNormal, "t", nil, 0)
	b.Publish(first)
	for i := 0; i < recordCap; i++ {
		b.Publish(New(EventCustom, PriorityBackground, "t", nil, 0))
	}

	if len(b.records) > recordCap*8/10 {
		t.Errorf("record map not trimmed: %d", len(b.records))
	}
	if _, ok := b.Event(first.ID); ok {
		t.Error("oldest record should have been evicted")
	}
}
