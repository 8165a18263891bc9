package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/maestro/pkg/agent"
	"github.com/relayforge/maestro/pkg/analyzer"
	"github.com/relayforge/maestro/pkg/budget"
	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/events"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/oerr"
	"github.com/relayforge/maestro/pkg/session"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	byID     map[string]*models.Session
	byThread map[string]*models.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		byID:     map[string]*models.Session{},
		byThread: map[string]*models.Session{},
	}
}

func (f *fakeSessionStore) GetSession(_ context.Context, tenantID, sessionID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.byID[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessionStore) GetSessionByThread(_ context.Context, tenantID string, source models.Source, threadKey string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.byThread[tenantID+"/"+string(source)+"/"+threadKey]
	if !ok {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessionStore) UpsertSession(_ context.Context, sess *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[sess.ID] = sess
	if sess.ThreadKey != "" {
		f.byThread[sess.TenantID+"/"+string(sess.Source)+"/"+sess.ThreadKey] = sess
	}
	return nil
}

type fakeClassifier struct {
	result analyzer.Result
}

func (f *fakeClassifier) Analyze(_ context.Context, _, _ string, _ []models.Turn) analyzer.Result {
	return f.result
}

type fakeRunner struct {
	mu    sync.Mutex
	tasks []agent.Task
	// block makes runs wait for cancellation and fail with the context error.
	block bool
	// completeOnCancel makes a blocked run return a successful result once
	// the context ends, like a provider call that finished despite a cancel.
	completeOnCancel bool
}

func (f *fakeRunner) Run(ctx context.Context, task agent.Task) agent.Result {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		if f.completeOnCancel {
			return agent.Result{AgentName: task.Agent.Name, Text: "finished late", Confidence: 0.8}
		}
		return agent.Result{AgentName: task.Agent.Name, Failed: true, Err: ctx.Err()}
	}
	return agent.Result{
		AgentName:  task.Agent.Name,
		Text:       "done: " + task.Objective,
		Confidence: 0.8,
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func (f *fakeRunner) recorded() []agent.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.Task, len(f.tasks))
	copy(out, f.tasks)
	return out
}

type fakeExecutions struct {
	mu        sync.Mutex
	created   []models.CreateExecutionRequest
	routed    map[string]string
	running   map[string]bool
	completed map[string]models.CompleteExecutionRequest
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{
		routed:    map[string]string{},
		running:   map[string]bool{},
		completed: map[string]models.CompleteExecutionRequest{},
	}
}

func (f *fakeExecutions) CreateExecution(_ context.Context, req models.CreateExecutionRequest) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &models.Execution{
		ID:        req.ID,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Status:    models.ExecutionStatusPending,
		Input:     req.Input,
		StartedAt: time.Now(),
	}, nil
}

func (f *fakeExecutions) SetRouting(_ context.Context, _, executionID, category string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed[executionID] = category
	return nil
}

func (f *fakeExecutions) MarkRunning(_ context.Context, _, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[executionID] = true
	return nil
}

func (f *fakeExecutions) CompleteExecution(_ context.Context, req models.CompleteExecutionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[req.ID] = req
	return nil
}

func (f *fakeExecutions) terminal(executionID string) (models.CompleteExecutionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.completed[executionID]
	return req, ok
}

type fakeBudgets struct {
	mu       sync.Mutex
	budgets  []*models.Budget
	consumed int64
}

func (f *fakeBudgets) ActiveBudgets(_ context.Context, _, _ string) ([]*models.Budget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.budgets, nil
}

func (f *fakeBudgets) AddConsumed(_ context.Context, _ string, _ string, units int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed += units
	return nil
}

type testHarness struct {
	dispatcher *Dispatcher
	sessions   *session.Manager
	store      *fakeSessionStore
	runner     *fakeRunner
	execs      *fakeExecutions
	budgets    *fakeBudgets
	bus        *events.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	timing := config.DefaultTiming()
	store := newFakeSessionStore()
	sessions := session.NewManager(store, nil, nil, timing)
	runner := &fakeRunner{}
	execs := newFakeExecutions()
	budgets := &fakeBudgets{}
	bus := events.NewBus(nil, timing)
	t.Cleanup(bus.Close)

	classifier := &fakeClassifier{result: analyzer.Result{
		Intent: analyzer.IntentChat, Language: "en", Confidence: 0.9,
	}}
	d := NewDispatcher(sessions, classifier, runner, execs, budget.NewGate(budgets), bus, nil,
		config.NewAgentRegistry(config.DefaultAgents()),
		config.NewCategoryRegistry(config.DefaultCategories()), timing)
	return &testHarness{
		dispatcher: d, sessions: sessions, store: store,
		runner: runner, execs: execs, budgets: budgets, bus: bus,
	}
}

func waitTerminal(t *testing.T, execs *fakeExecutions, executionID string) models.CompleteExecutionRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := execs.terminal(executionID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	req, _ := execs.terminal(executionID)
	return req
}

func collectUntil(t *testing.T, sub *events.Subscription, typ string) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
			if ev.Type == typ {
				return out
			}
		case <-deadline:
			t.Fatalf("did not receive %s event, got %v", typ, out)
		}
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)

	t.Run("empty prompt", func(t *testing.T) {
		_, err := h.dispatcher.Submit(context.Background(), Request{
			TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
		})
		assert.True(t, oerr.IsKind(err, oerr.KindValidation))
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := h.dispatcher.Submit(context.Background(), Request{
			TenantID: "t1", UserID: "u1", Source: "carrier-pigeon", Prompt: "hi",
		})
		assert.True(t, oerr.IsKind(err, oerr.KindValidation))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := h.dispatcher.Submit(context.Background(), Request{
			TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
			Prompt: "hi", SessionID: "nope",
		})
		assert.True(t, oerr.IsKind(err, oerr.KindValidation))
	})
}

func TestDispatchCompletes(t *testing.T) {
	h := newHarness(t)
	h.budgets.budgets = []*models.Budget{{
		ID: "b1", TenantID: "t1", Window: models.BudgetWindowDaily,
		LimitUnits: 1000, ResetAt: time.Now().Add(time.Hour),
	}}
	sub, err := h.bus.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
		Prompt: "what is on my plate today",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPending, exec.Status)

	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, done.Status)
	assert.Contains(t, done.Output, "done:")
	assert.Equal(t, 10, done.Metadata.InputTokens)
	assert.Equal(t, 5, done.Metadata.OutputTokens)

	// Exactly one row, routed and marked running.
	h.execs.mu.Lock()
	assert.Len(t, h.execs.created, 1)
	assert.True(t, h.execs.running[exec.ID])
	assert.NotEmpty(t, h.execs.routed[exec.ID])
	h.execs.mu.Unlock()

	evs := collectUntil(t, sub, events.TypeCompleted)
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.TypeQueued)
	assert.Contains(t, types, events.TypeRunning)

	// The assistant turn landed in the session.
	sess, err := h.sessions.Get(context.Background(), "t1", exec.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.History, 2)
	assert.Equal(t, models.RoleUser, sess.History[0].Role)
	assert.Equal(t, models.RoleAssistant, sess.History[1].Role)
	assert.Equal(t, exec.ID, sess.History[1].Meta["execution_id"])

	// Spend recorded after the dispatch.
	h.budgets.mu.Lock()
	assert.Greater(t, h.budgets.consumed, int64(0))
	h.budgets.mu.Unlock()
}

func TestBusySessionRejectsWebAndQueuesChat(t *testing.T) {
	h := newHarness(t)
	sess, err := h.sessions.GetOrCreate(context.Background(), "t1", "u1", models.SourceWeb, "")
	require.NoError(t, err)
	require.True(t, h.sessions.TryAcquire(sess.ID))

	t.Run("web is rejected", func(t *testing.T) {
		_, err := h.dispatcher.Submit(context.Background(), Request{
			TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
			Prompt: "hello", SessionID: sess.ID,
		})
		assert.ErrorIs(t, err, ErrSessionBusy)
	})

	t.Run("chat queues and runs after release", func(t *testing.T) {
		exec, err := h.dispatcher.Submit(context.Background(), Request{
			TenantID: "t1", UserID: "u1", Source: models.SourceChat,
			Prompt: "hello", SessionID: sess.ID,
		})
		require.NoError(t, err)

		time.Sleep(50 * time.Millisecond)
		_, terminal := h.execs.terminal(exec.ID)
		assert.False(t, terminal, "dispatch must wait for the lock")

		h.sessions.Release(sess.ID)
		done := waitTerminal(t, h.execs, exec.ID)
		assert.Equal(t, models.ExecutionStatusSuccess, done.Status)
	})
}

func TestBudgetRefusalFailsExecution(t *testing.T) {
	h := newHarness(t)
	h.budgets.budgets = []*models.Budget{{
		ID: "b1", TenantID: "t1", Window: models.BudgetWindowDaily,
		LimitUnits: 1, ConsumedUnits: 1, ResetAt: time.Now().Add(time.Hour),
	}}
	sub, err := h.bus.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "hello there",
	})
	require.NoError(t, err)

	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusFailed, done.Status)
	assert.Equal(t, string(oerr.KindBudgetExhausted), done.ErrorKind)

	evs := collectUntil(t, sub, events.TypeFailed)
	last := evs[len(evs)-1]
	assert.Equal(t, oerr.UserMessage(oerr.KindBudgetExhausted, "en"), last.Message)

	// No agent ran and nothing was consumed.
	assert.Empty(t, h.runner.recorded())
	h.budgets.mu.Lock()
	assert.Zero(t, h.budgets.consumed)
	h.budgets.mu.Unlock()
}

func TestCancelMarksExecutionCancelled(t *testing.T) {
	h := newHarness(t)
	h.runner.block = true
	sub, err := h.bus.Subscribe(context.Background(), "t1", 0)
	require.NoError(t, err)
	defer sub.Close()

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "long running job",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.runner.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, h.dispatcher.Cancel("other-tenant", exec.ID), "cancel is tenant-scoped")
	assert.True(t, h.dispatcher.Cancel("t1", exec.ID))

	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, done.Status)
	assert.Equal(t, string(oerr.KindCancelled), done.ErrorKind)
	collectUntil(t, sub, events.TypeCancelled)

	assert.False(t, h.dispatcher.Cancel("t1", exec.ID), "finished executions are not active")
}

func TestCancelOverridesCompletedResult(t *testing.T) {
	h := newHarness(t)
	h.runner.block = true
	h.runner.completeOnCancel = true

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "long running job",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.runner.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.dispatcher.Cancel("t1", exec.ID))

	// The agent's last call finished with text, but a cancelled execution
	// terminates as cancelled, not success.
	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusCancelled, done.Status)
	assert.Equal(t, string(oerr.KindCancelled), done.ErrorKind)
}

func TestMultiObjectiveFansOut(t *testing.T) {
	h := newHarness(t)

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
		Prompt: "create a ticket for onboarding and search the wiki for offboarding",
	})
	require.NoError(t, err)

	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, done.Status)

	tasks := h.runner.recorded()
	require.Len(t, tasks, 2)
	objectives := []string{tasks[0].Objective, tasks[1].Objective}
	assert.Contains(t, objectives, "create a ticket for onboarding")
	assert.Contains(t, objectives, "search the wiki for offboarding")
	for _, task := range tasks {
		assert.Empty(t, task.PriorOutput)
	}
}

func TestPipelineFeedsPriorOutput(t *testing.T) {
	h := newHarness(t)

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
		Prompt: "search the docs for onboarding and then draft a summary of the findings",
	})
	require.NoError(t, err)

	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, done.Status)

	tasks := h.runner.recorded()
	require.Len(t, tasks, 2)
	assert.Empty(t, tasks[0].PriorOutput)
	assert.Equal(t, "done: "+tasks[0].Objective, tasks[1].PriorOutput)
}

func TestFailedDispatchStillWritesOneRow(t *testing.T) {
	h := newHarness(t)
	h.runner.block = true

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "hello",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.runner.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	h.dispatcher.Cancel("t1", exec.ID)
	waitTerminal(t, h.execs, exec.ID)

	h.execs.mu.Lock()
	assert.Len(t, h.execs.created, 1)
	assert.Len(t, h.execs.completed, 1)
	h.execs.mu.Unlock()
}

func TestDrainWaitsForActiveDispatches(t *testing.T) {
	h := newHarness(t)
	h.runner.block = true

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "hello",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.dispatcher.ActiveCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.dispatcher.Drain(shortCtx), "drain must time out while a dispatch runs")

	h.dispatcher.Cancel("t1", exec.ID)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDrain()
	assert.NoError(t, h.dispatcher.Drain(drainCtx))
}

type fixedFlags struct {
	enabled map[string]bool
}

func (f fixedFlags) IsEnabled(_ context.Context, key, _ string) bool { return f.enabled[key] }

func TestSingleAgentKillSwitch(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.SetFlags(fixedFlags{enabled: map[string]bool{flagSingleAgentOnly: true}})

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb,
		Prompt: "create a ticket for onboarding and search the wiki for offboarding",
	})
	require.NoError(t, err)

	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusSuccess, done.Status)
	assert.Len(t, h.runner.recorded(), 1, "kill switch must force the single-agent path")
}

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (a *recordingAuditor) Record(_ context.Context, _, _, action string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

func TestTerminalExecutionIsAudited(t *testing.T) {
	h := newHarness(t)
	auditor := &recordingAuditor{}
	h.dispatcher.SetAudit(auditor)

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "hello",
	})
	require.NoError(t, err)
	waitTerminal(t, h.execs, exec.ID)

	require.Eventually(t, func() bool {
		auditor.mu.Lock()
		defer auditor.mu.Unlock()
		return len(auditor.actions) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInterruptEndsRunAsDeadline(t *testing.T) {
	h := newHarness(t)
	h.runner.block = true

	exec, err := h.dispatcher.Submit(context.Background(), Request{
		TenantID: "t1", UserID: "u1", Source: models.SourceWeb, Prompt: "hello",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.runner.recorded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	h.dispatcher.Interrupt()
	done := waitTerminal(t, h.execs, exec.ID)
	assert.Equal(t, models.ExecutionStatusFailed, done.Status)
	assert.Equal(t, string(oerr.KindDeadlineExceeded), done.ErrorKind)
}
