package events

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/openalpha/simexchange/exchange/types"
)

// Handler processes one event. Returned errors are counted against the
// subscription and logged; they never propagate to the publisher.
type Handler func(*Event) error

const (
	// DefaultQueueCapacity bounds the pending queue; Publish sheds load
	// beyond it.
	DefaultQueueCapacity = 10000
	// DefaultPoolSize is the async handler pool size.
	DefaultPoolSize = 64
	// recordCap bounds the delivered-event record map.
	recordCap = 10000

	stopJoinTimeout = 5 * time.Second
)

type subscription struct {
	id       string
	tag      EventType
	handler  Handler
	priority Priority
	async    bool
	seq      uint64 // creation order, tie break within priority
}

// SubOption configures a subscription.
type SubOption func(*subscription)

// WithPriority sets the subscriber priority used to order handlers of one
// event. Default is PriorityNormal.
func WithPriority(p Priority) SubOption {
	return func(s *subscription) { s.priority = p }
}

// WithAsync runs the handler on the shared worker pool instead of inline on
// the dispatcher goroutine.
func WithAsync() SubOption {
	return func(s *subscription) { s.async = true }
}

type queued struct {
	ev  *Event
	seq uint64
}

// eventHeap orders by (priority, publish seq).
type eventHeap []queued

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].ev.Priority != h[j].ev.Priority {
		return h[i].ev.Priority < h[j].ev.Priority
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(queued)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Bus is a single-dispatcher priority event bus. Publishing is non-blocking
// and load-shedding; dispatch order is deterministic for a fixed publish
// sequence: (priority, publish order) across events, (subscriber priority,
// subscribe order) within one event.
type Bus struct {
	logger log.Logger
	pool   *ants.Pool

	mu   sync.Mutex
	cond *sync.Cond

	queue    eventHeap
	pubSeq   uint64
	capacity int

	subs   map[EventType][]*subscription
	subIdx map[string]*subscription
	subSeq uint64

	records     map[string]*Event
	recordOrder []string

	running  bool
	paused   bool
	stopping bool
	done     chan struct{}

	published   uint64
	processed   uint64
	failed      uint64
	totalProcNS int64
	startedAt   time.Time
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64
	Processed     uint64
	Failed        uint64
	Subscribers   int
	QueueSize     int
	Uptime        time.Duration
	AvgProcessing time.Duration
}

// NewBus creates a bus with the given queue capacity and async pool size.
// Zero values select the defaults.
func NewBus(logger log.Logger, queueCapacity, poolSize int) (*Bus, error) {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	b := &Bus{
		logger:   logger.With("module", "events"),
		pool:     pool,
		capacity: queueCapacity,
		subs:     make(map[EventType][]*subscription),
		subIdx:   make(map[string]*subscription),
		records:  make(map[string]*Event),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// Subscribe registers a handler for events of the given tag. The Wildcard tag
// receives every event.
func (b *Bus) Subscribe(tag EventType, h Handler, opts ...SubOption) string {
	sub := &subscription{
		id:       uuid.NewString()[:8],
		tag:      tag,
		handler:  h,
		priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subSeq++
	sub.seq = b.subSeq
	b.subs[tag] = append(b.subs[tag], sub)
	b.subIdx[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Returns false for unknown ids.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subIdx[id]
	if !ok {
		return false
	}
	delete(b.subIdx, id)
	list := b.subs[sub.tag]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.tag] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return true
}

// Publish enqueues an event without blocking. Returns the event id, or ""
// when the queue is full or the bus is stopping.
func (b *Bus) Publish(ev *Event) string {
	id, err := b.TryPublish(ev)
	if err != nil {
		return ""
	}
	return id
}

// TryPublish is Publish with an explicit saturation error.
func (b *Bus) TryPublish(ev *Event) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopping {
		return "", types.ErrBusSaturated.Wrap("bus stopping")
	}
	if len(b.queue) >= b.capacity {
		b.logger.Warn("event queue full, dropping", "type", ev.Type, "id", ev.ID)
		return "", types.ErrBusSaturated.Wrapf("queue at capacity %d", b.capacity)
	}

	b.pubSeq++
	heap.Push(&b.queue, queued{ev: ev, seq: b.pubSeq})
	b.published++
	b.recordLocked(ev)
	b.cond.Signal()
	return ev.ID, nil
}

// Start launches the dispatcher goroutine. Idempotent.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopping = false
	b.startedAt = time.Now()
	b.done = make(chan struct{})
	go b.dispatch()
	b.logger.Info("event bus started", "capacity", b.capacity)
}

// Stop drains the queue and joins the dispatcher, waiting at most 5s.
// Outstanding async handlers are abandoned to the pool.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.running = false
	done := b.done
	b.cond.Broadcast()
	b.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		b.logger.Error("dispatcher did not drain in time, abandoning")
	}
	b.pool.Release()
	b.logger.Info("event bus stopped")
}

// Pause suspends dispatch without dropping queued events.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume restarts dispatch after Pause.
func (b *Bus) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	b.cond.Broadcast()
}

// Event returns a recently published event by id.
func (b *Bus) Event(id string) (*Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.records[id]
	return ev, ok
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Published:   b.published,
		Processed:   b.processed,
		Failed:      b.failed,
		Subscribers: len(b.subIdx),
		QueueSize:   len(b.queue),
	}
	if !b.startedAt.IsZero() {
		s.Uptime = time.Since(b.startedAt)
	}
	if b.processed > 0 {
		s.AvgProcessing = time.Duration(b.totalProcNS / int64(b.processed))
	}
	return s
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for !b.stopping && (len(b.queue) == 0 || b.paused) {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			// stopping with an empty queue: drained.
			b.mu.Unlock()
			return
		}
		item := heap.Pop(&b.queue).(queued)
		subs := b.handlersForLocked(item.ev.Type)
		b.mu.Unlock()

		start := time.Now()
		var failed uint64
		for _, sub := range subs {
			if sub.async {
				b.submitAsync(sub, item.ev)
				continue
			}
			if !b.invoke(sub, item.ev) {
				failed++
			}
		}

		b.mu.Lock()
		b.processed++
		b.failed += failed
		b.totalProcNS += time.Since(start).Nanoseconds()
		b.mu.Unlock()
	}
}

// handlersForLocked merges tag and wildcard subscribers ordered by
// (priority, subscribe order).
func (b *Bus) handlersForLocked(tag EventType) []*subscription {
	tagged := b.subs[tag]
	wild := b.subs[Wildcard]
	if len(tagged) == 0 && len(wild) == 0 {
		return nil
	}
	out := make([]*subscription, 0, len(tagged)+len(wild))
	out = append(out, tagged...)
	out = append(out, wild...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// invoke runs a handler, containing panics and errors. Returns false on
// failure.
func (b *Bus) invoke(sub *subscription, ev *Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error("handler panic", "subscription", sub.id, "event", ev.ID, "panic", r)
		}
	}()
	if err := sub.handler(ev); err != nil {
		b.logger.Error("handler error", "subscription", sub.id, "event", ev.ID, "err", err)
		return false
	}
	return true
}

func (b *Bus) submitAsync(sub *subscription, ev *Event) {
	err := b.pool.Submit(func() {
		if !b.invoke(sub, ev) {
			b.mu.Lock()
			b.failed++
			b.mu.Unlock()
		}
	})
	if err != nil {
		b.mu.Lock()
		b.failed++
		b.mu.Unlock()
		b.logger.Error("async pool rejected task", "subscription", sub.id, "event", ev.ID, "err", err)
	}
}

// recordLocked keeps the bounded published-event record. Above cap, oldest
// entries are evicted down to 80% of cap.
func (b *Bus) recordLocked(ev *Event) {
	b.records[ev.ID] = ev
	b.recordOrder = append(b.recordOrder, ev.ID)
	if len(b.records) <= recordCap {
		return
	}
	target := recordCap * 8 / 10
	for len(b.records) > target && len(b.recordOrder) > 0 {
		oldest := b.recordOrder[0]
		b.recordOrder = b.recordOrder[1:]
		delete(b.records, oldest)
	}
}
