package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/ephemeral"
)

// subscriberBuffer is the per-subscription channel depth. A subscriber that
// falls further behind than this loses events (and can recover via replay on
// reconnect).
const subscriberBuffer = 64

// localRingSize bounds the in-process replay buffer used when no ephemeral
// tier is configured.
const localRingSize = 1024

// Bus publishes progress events and fans them out to local subscribers.
// With an ephemeral tier, events flow through the per-tenant pub/sub channel
// so every process instance sees them; without one the bus degrades to
// single-process delivery with an in-memory replay ring.
type Bus struct {
	eph    *ephemeral.Client
	timing *config.Timing
	logger *slog.Logger

	mu     sync.Mutex
	hubs   map[string]*hub
	nextID int64
	closed bool

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup

	now func() time.Time
}

// hub is the per-tenant fan-out state.
type hub struct {
	tenantID string
	subs     map[int64]*Subscription

	// pubsub is the cross-process feed; nil in local mode.
	pubsub *redis.PubSub
	cancel context.CancelFunc

	// Local-mode sequence and replay ring.
	seq  uint64
	ring []Event
}

// Subscription is one subscriber's live feed. Events arrive on C in
// per-tenant ID order; synthetic events (heartbeat, connected, shutdown)
// carry ID zero and interleave freely.
type Subscription struct {
	C chan Event

	id       int64
	tenantID string
	bus      *Bus

	mu        sync.Mutex
	lastID    uint64
	replaying bool
	pending   []Event
	closed    bool
	dropped   int
}

// NewBus creates the event bus. eph may be nil (single-process mode).
func NewBus(eph *ephemeral.Client, timing *config.Timing) *Bus {
	b := &Bus{
		eph:           eph,
		timing:        timing,
		logger:        slog.Default().With("component", "events"),
		hubs:          make(map[string]*hub),
		stopHeartbeat: make(chan struct{}),
		now:           time.Now,
	}
	b.wg.Add(1)
	go b.heartbeatLoop()
	return b
}

// Publish assigns the event its per-tenant sequence ID, persists it to the
// tenant stream, and fans it out. Synthetic types bypass persistence.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("event has no tenant")
	}
	ev.At = b.now().UTC()

	if b.eph == nil {
		b.publishLocal(ev)
		return nil
	}

	rdb := b.eph.Redis()
	seq, err := rdb.Incr(ctx, ephemeral.EventSeqKey(ev.TenantID)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate event id: %w", err)
	}
	ev.ID = uint64(seq)

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	stream := ephemeral.EventStream(ev.TenantID)
	pipe := rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"id": strconv.FormatUint(ev.ID, 10), "data": payload},
	})
	// Stream entry IDs are millisecond timestamps, so trimming below the TTL
	// cutoff drops aged entries even while the stream keeps being written.
	// The stream-level expiry only reaps tenants that went fully quiet.
	pipe.XTrimMinID(ctx, stream, strconv.FormatInt(ev.At.Add(-b.timing.EventTTL).UnixMilli(), 10))
	pipe.Expire(ctx, stream, b.timing.EventTTL)
	pipe.Expire(ctx, ephemeral.EventSeqKey(ev.TenantID), b.timing.EventTTL)
	pipe.Publish(ctx, ephemeral.EventChannel(ev.TenantID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// publishLocal is the no-ephemeral path: sequence, ring, direct fan-out.
func (b *Bus) publishLocal(ev Event) {
	b.mu.Lock()
	h := b.ensureHubLocked(ev.TenantID)
	h.seq++
	ev.ID = h.seq
	h.ring = append(h.ring, ev)
	if len(h.ring) > localRingSize {
		h.ring = h.ring[len(h.ring)-localRingSize:]
	}
	subs := snapshotSubs(h)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}
}

// Subscribe opens a feed for a tenant. resumeFrom is the last event ID the
// subscriber saw (0 for none): persisted events with a higher ID are
// replayed, in order, before live delivery. The caller must Close the
// subscription.
func (b *Bus) Subscribe(ctx context.Context, tenantID string, resumeFrom uint64) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("event bus is shut down")
	}
	b.nextID++
	sub := &Subscription{
		C:         make(chan Event, subscriberBuffer),
		id:        b.nextID,
		tenantID:  tenantID,
		bus:       b,
		lastID:    resumeFrom,
		replaying: true,
	}
	h := b.ensureHubLocked(tenantID)
	h.subs[sub.id] = sub
	if b.eph != nil && h.pubsub == nil {
		b.startPubSubLocked(h)
	}
	var ringCopy []Event
	if b.eph == nil {
		ringCopy = append(ringCopy, h.ring...)
	}
	b.mu.Unlock()

	sub.deliver(Event{TenantID: tenantID, Type: TypeConnected, At: time.Now().UTC()})

	if b.eph != nil {
		if err := b.replay(ctx, sub); err != nil {
			b.logger.Warn("Event replay failed, continuing live-only",
				"tenant_id", tenantID, "error", err)
		}
	} else {
		cutoff := b.now().Add(-b.timing.EventTTL)
		for _, ev := range ringCopy {
			if ev.At.Before(cutoff) {
				continue
			}
			sub.deliverReplay(ev)
		}
	}
	sub.finishReplay()
	return sub, nil
}

// replay reads the persisted tenant stream and delivers events newer than
// the subscriber's resume point. Events past the retention window are
// skipped; trim-on-append keeps the stream short but an entry can linger
// until the next write.
func (b *Bus) replay(ctx context.Context, sub *Subscription) error {
	entries, err := b.eph.Redis().XRange(ctx, ephemeral.EventStream(sub.tenantID), "-", "+").Result()
	if err != nil {
		return err
	}
	cutoff := b.now().Add(-b.timing.EventTTL)
	for _, entry := range entries {
		raw, ok := entry.Values["data"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		if ev.At.Before(cutoff) {
			continue
		}
		sub.deliverReplay(ev)
	}
	return nil
}

// startPubSubLocked opens the tenant's pub/sub feed and forwards messages to
// local subscribers. Caller holds b.mu.
func (b *Bus) startPubSubLocked(h *hub) {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.pubsub = b.eph.Redis().Subscribe(ctx, ephemeral.EventChannel(h.tenantID))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := h.pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Dropping malformed event", "tenant_id", h.tenantID, "error", err)
					continue
				}
				b.mu.Lock()
				subs := snapshotSubs(h)
				b.mu.Unlock()
				for _, s := range subs {
					s.deliver(ev)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// heartbeatLoop pushes a synthetic heartbeat to every subscriber on the
// configured cadence.
func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.timing.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			var all []*Subscription
			for _, h := range b.hubs {
				all = append(all, snapshotSubs(h)...)
			}
			b.mu.Unlock()
			for _, s := range all {
				s.deliver(Event{TenantID: s.tenantID, Type: TypeHeartbeat, At: time.Now().UTC()})
			}
		case <-b.stopHeartbeat:
			return
		}
	}
}

// Close broadcasts a shutdown event to every subscriber and tears the bus
// down. Used during graceful shutdown after active dispatches drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, h := range b.hubs {
		all = append(all, snapshotSubs(h)...)
		if h.cancel != nil {
			h.cancel()
		}
		if h.pubsub != nil {
			_ = h.pubsub.Close()
		}
	}
	close(b.stopHeartbeat)
	b.mu.Unlock()

	for _, s := range all {
		s.deliver(Event{TenantID: s.tenantID, Type: TypeShutdown, At: time.Now().UTC()})
		s.markClosed()
	}
	b.wg.Wait()
}

func (b *Bus) ensureHubLocked(tenantID string) *hub {
	h, ok := b.hubs[tenantID]
	if !ok {
		h = &hub{tenantID: tenantID, subs: make(map[int64]*Subscription)}
		b.hubs[tenantID] = h
	}
	return h
}

func snapshotSubs(h *hub) []*Subscription {
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Close drops the subscription. Closing a subscription never cancels the
// dispatch that feeds it.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	if h, ok := b.hubs[s.tenantID]; ok {
		delete(h.subs, s.id)
		if len(h.subs) == 0 && h.pubsub != nil {
			h.cancel()
			_ = h.pubsub.Close()
			h.pubsub = nil
			h.cancel = nil
		}
	}
	b.mu.Unlock()
	s.markClosed()
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// deliver hands one event to the subscriber. Persisted events (ID > 0) are
// deduplicated and kept monotonic per subscriber; live events arriving
// during replay are parked and flushed afterwards.
func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.ID > 0 {
		if ev.ID <= s.lastID {
			s.mu.Unlock()
			return
		}
		if s.replaying {
			s.pending = append(s.pending, ev)
			s.mu.Unlock()
			return
		}
		s.lastID = ev.ID
	}
	s.sendLocked(ev)
	s.mu.Unlock()
}

// deliverReplay sends a persisted event during the replay phase, bypassing
// the live-event parking.
func (s *Subscription) deliverReplay(ev Event) {
	s.mu.Lock()
	if s.closed || ev.ID == 0 || ev.ID <= s.lastID {
		s.mu.Unlock()
		return
	}
	s.lastID = ev.ID
	s.sendLocked(ev)
	s.mu.Unlock()
}

// finishReplay flushes events parked during replay, in ID order, skipping
// any the replay already covered.
func (s *Subscription) finishReplay() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.replaying = false
	for _, ev := range pending {
		if ev.ID <= s.lastID {
			continue
		}
		s.lastID = ev.ID
		s.sendLocked(ev)
	}
	s.mu.Unlock()
}

func (s *Subscription) sendLocked(ev Event) {
	select {
	case s.C <- ev:
	default:
		s.dropped++
	}
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
	s.mu.Unlock()
}
