// Package session implements the Session Manager: durable conversational
// state with a fast ephemeral tier in front of the canonical relational row.
//
// Reads prefer the ephemeral copy and fall back to the relational tier.
// Writes go through to the ephemeral tier synchronously and to the
// relational tier asynchronously via the job runner. The manager is the sole
// writer of sessions; the dispatcher serializes per-session work through the
// manager's keyed locks.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/ephemeral"
	"github.com/relayforge/maestro/pkg/jobs"
	"github.com/relayforge/maestro/pkg/models"
)

// maxHistoryTurns bounds stored history. Older turns are dropped behind an
// explicit marker turn so truncation is never silent.
const maxHistoryTurns = 200

// ErrNotFound is returned when a session does not exist in either tier.
var ErrNotFound = errors.New("session not found")

// Store is the canonical relational persistence for sessions.
type Store interface {
	GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error)
	GetSessionByThread(ctx context.Context, tenantID string, source models.Source, threadKey string) (*models.Session, error)
	UpsertSession(ctx context.Context, sess *models.Session) error
}

// Manager is the session manager.
type Manager struct {
	store  Store
	eph    *ephemeral.Client
	runner *jobs.Runner
	timing *config.Timing

	// locks serializes per-session work. See Acquire.
	mu    sync.Mutex
	locks map[string]*sessionLock

	// degraded counts operations served without the ephemeral tier.
	degraded atomic.Int64

	now func() time.Time
}

// NewManager creates a session manager. eph may be nil (pure relational
// mode, used by some tests).
func NewManager(store Store, eph *ephemeral.Client, runner *jobs.Runner, timing *config.Timing) *Manager {
	return &Manager{
		store:  store,
		eph:    eph,
		runner: runner,
		timing: timing,
		locks:  make(map[string]*sessionLock),
		now:    time.Now,
	}
}

// DegradedOps returns how many operations ran without the ephemeral tier.
func (m *Manager) DegradedOps() int64 { return m.degraded.Load() }

// GetOrCreate returns the session for (tenant, user, source, threadKey),
// creating it on miss. The thread key is the secondary lookup: two calls with
// the same key within the TTL return the same session.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, userID string, source models.Source, threadKey string) (*models.Session, error) {
	if threadKey != "" {
		if sess, err := m.lookupByThread(ctx, tenantID, source, threadKey); err == nil {
			return sess, nil
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := m.now()
	sess := &models.Session{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Source:    source,
		ThreadKey: threadKey,
		State:     map[string]string{},
		History:   []models.Turn{},
		Metadata:  map[string]string{},
		CreatedAt: now,
		ExpiresAt: now.Add(m.timing.SessionTTL),
	}
	if threadKey != "" {
		sess.Metadata["thread_key"] = threadKey
	}
	m.writeThrough(ctx, sess)
	return sess, nil
}

// Get returns a session by ID, ephemeral tier first.
func (m *Manager) Get(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	if m.eph != nil {
		raw, err := m.eph.Redis().Get(ctx, ephemeral.SessionKey(sessionID)).Result()
		switch {
		case err == nil:
			var sess models.Session
			if jsonErr := json.Unmarshal([]byte(raw), &sess); jsonErr == nil {
				if sess.TenantID != tenantID {
					return nil, ErrNotFound
				}
				return &sess, nil
			}
			slog.Warn("Corrupt session in ephemeral tier, falling back",
				"session_id", sessionID)
		case !errors.Is(err, redis.Nil):
			m.degraded.Add(1)
			slog.Warn("Ephemeral tier unavailable, reading session from relational tier",
				"session_id", sessionID, "error", err)
		}
	}

	sess, err := m.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	m.cache(ctx, sess)
	return sess, nil
}

// AppendTurn atomically appends a turn and refreshes the TTL. Must be called
// while holding the session's lock.
func (m *Manager) AppendTurn(ctx context.Context, sess *models.Session, role, text string, meta map[string]string) error {
	sess.History = append(sess.History, models.Turn{
		Role:      role,
		Text:      text,
		Meta:      meta,
		CreatedAt: m.now(),
	})
	if len(sess.History) > maxHistoryTurns {
		dropped := len(sess.History) - maxHistoryTurns
		trimmed := make([]models.Turn, 0, maxHistoryTurns+1)
		trimmed = append(trimmed, models.Turn{
			Role:      models.RoleMarker,
			Text:      "earlier turns truncated",
			Meta:      map[string]string{"dropped": strconv.Itoa(dropped)},
			CreatedAt: m.now(),
		})
		trimmed = append(trimmed, sess.History[dropped:]...)
		sess.History = trimmed
	}
	sess.ExpiresAt = m.now().Add(m.timing.SessionTTL)
	m.writeThrough(ctx, sess)
	return nil
}

// Snapshot returns the last n turns (0 means the configured default).
func (m *Manager) Snapshot(sess *models.Session, n int) models.Snapshot {
	if n <= 0 {
		n = m.timing.SnapshotTurns
	}
	turns := sess.History
	truncated := false
	if len(turns) > n {
		turns = turns[len(turns)-n:]
		truncated = true
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return models.Snapshot{
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		Turns:     out,
		Truncated: truncated,
	}
}

// lookupByThread resolves a session via the thread index, ephemeral first.
func (m *Manager) lookupByThread(ctx context.Context, tenantID string, source models.Source, threadKey string) (*models.Session, error) {
	if m.eph != nil {
		id, err := m.eph.Redis().Get(ctx, ephemeral.ThreadKey(tenantID, string(source), threadKey)).Result()
		if err == nil {
			return m.Get(ctx, tenantID, id)
		}
		if !errors.Is(err, redis.Nil) {
			m.degraded.Add(1)
		}
	}
	sess, err := m.store.GetSessionByThread(ctx, tenantID, source, threadKey)
	if err != nil {
		return nil, err
	}
	if m.now().After(sess.ExpiresAt) {
		return nil, ErrNotFound
	}
	m.cache(ctx, sess)
	return sess, nil
}

// writeThrough updates the ephemeral tier synchronously and schedules the
// relational write on the job runner. When the ephemeral tier is down the
// relational write happens synchronously so correctness is preserved.
//
// The scheduled write operates on a deep copy taken here: the caller keeps
// mutating the live session on later AppendTurn calls, and the job worker
// marshals concurrently.
func (m *Manager) writeThrough(ctx context.Context, sess *models.Session) {
	ephemeralOK := m.cache(ctx, sess)

	snap := sess.Clone()
	write := func(jobCtx context.Context) error {
		return m.store.UpsertSession(jobCtx, snap)
	}
	if !ephemeralOK || m.runner == nil {
		if err := write(ctx); err != nil {
			slog.Error("Failed to persist session", "session_id", sess.ID, "error", err)
		}
		return
	}
	m.runner.Submit(ctx, jobs.Job{Name: "session-persist", Run: write})
}

// cache writes the session document and its thread index to the ephemeral
// tier. Returns false when the tier is unavailable.
func (m *Manager) cache(ctx context.Context, sess *models.Session) bool {
	if m.eph == nil {
		return false
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		slog.Error("Failed to marshal session", "session_id", sess.ID, "error", err)
		return false
	}
	pipe := m.eph.Redis().Pipeline()
	pipe.Set(ctx, ephemeral.SessionKey(sess.ID), doc, ttl)
	if sess.ThreadKey != "" {
		pipe.Set(ctx, ephemeral.ThreadKey(sess.TenantID, string(sess.Source), sess.ThreadKey), sess.ID, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.degraded.Add(1)
		slog.Warn("Ephemeral tier unavailable, session write degraded to relational only",
			"session_id", sess.ID, "error", err)
		return false
	}
	return true
}

