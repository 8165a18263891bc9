// Package dispatch orchestrates one inbound request end-to-end: per-session
// serialization, analysis and routing, agent selection and fan-out, budget
// enforcement, the execution audit row, and progress events. Exactly one
// execution row is written per accepted request, and only this package writes
// its terminal state.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relayforge/maestro/pkg/agent"
	"github.com/relayforge/maestro/pkg/aggregate"
	"github.com/relayforge/maestro/pkg/analyzer"
	"github.com/relayforge/maestro/pkg/budget"
	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/events"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/oerr"
	"github.com/relayforge/maestro/pkg/router"
	"github.com/relayforge/maestro/pkg/session"
)

// maxFanout bounds how many agents one request may spawn.
const maxFanout = 4

// flagSingleAgentOnly is the per-tenant kill switch for multi-agent fan-out.
// Enabling it forces every dispatch down the single-agent path.
const flagSingleAgentOnly = "single_agent_only"

// ErrSessionBusy is returned to web/cli submissions when another dispatch
// holds the session. Chat submissions queue instead.
var ErrSessionBusy = errors.New("session is busy with another request")

// pipelineHint marks requests whose objectives depend on each other: those
// run as a sequential pipeline instead of a parallel fan-out.
var pipelineHint = regexp.MustCompile(`(?i)\b(?:and then|then)\b`)

// Classifier produces routing hints for an utterance.
type Classifier interface {
	Analyze(ctx context.Context, tenantID, utterance string, history []models.Turn) analyzer.Result
}

// AgentRunner executes a single agent task. Implemented by agent.Runtime.
type AgentRunner interface {
	Run(ctx context.Context, task agent.Task) agent.Result
}

// ExecutionStore persists execution audit rows.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, req models.CreateExecutionRequest) (*models.Execution, error)
	SetRouting(ctx context.Context, tenantID, executionID, category string, skills []string) error
	MarkRunning(ctx context.Context, tenantID, executionID string) error
	CompleteExecution(ctx context.Context, req models.CompleteExecutionRequest) error
}

// LanguageResolver supplies a tenant's preferred language, used when the
// analyzer could not detect one.
type LanguageResolver interface {
	TenantLanguage(ctx context.Context, tenantID string) string
}

// FlagChecker evaluates feature flags. The dispatcher consults the
// single-agent kill switch before fanning out.
type FlagChecker interface {
	IsEnabled(ctx context.Context, key, tenantID string) bool
}

// Auditor records audit entries for terminal executions.
type Auditor interface {
	Record(ctx context.Context, tenantID, actor, action string, detail map[string]any)
}

// Request is one inbound turn.
type Request struct {
	TenantID  string
	UserID    string
	SessionID string
	ThreadKey string
	Source    models.Source
	Prompt    string
	Metadata  map[string]string
}

// Dispatcher runs requests.
type Dispatcher struct {
	sessions   *session.Manager
	classifier Classifier
	runner     AgentRunner
	executions ExecutionStore
	gate       *budget.Gate
	bus        *events.Bus
	languages  LanguageResolver
	agents     *config.AgentRegistry
	categories *config.CategoryRegistry
	timing     *config.Timing
	flags      FlagChecker
	audit      Auditor
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun

	wg sync.WaitGroup
}

type activeRun struct {
	tenantID  string
	cancel    context.CancelFunc
	cancelled bool
}

// NewDispatcher wires the dispatcher. languages may be nil (english only).
func NewDispatcher(sessions *session.Manager, classifier Classifier, runner AgentRunner,
	executions ExecutionStore, gate *budget.Gate, bus *events.Bus, languages LanguageResolver,
	agents *config.AgentRegistry, categories *config.CategoryRegistry, timing *config.Timing) *Dispatcher {
	return &Dispatcher{
		sessions:   sessions,
		classifier: classifier,
		runner:     runner,
		executions: executions,
		gate:       gate,
		bus:        bus,
		languages:  languages,
		agents:     agents,
		categories: categories,
		timing:     timing,
		logger:     slog.Default().With("component", "dispatch"),
		active:     make(map[string]*activeRun),
	}
}

// SetFlags enables flag-gated dispatch behavior. Optional.
func (d *Dispatcher) SetFlags(f FlagChecker) { d.flags = f }

// SetAudit enables audit records for terminal executions. Optional.
func (d *Dispatcher) SetAudit(a Auditor) { d.audit = a }

// Submit accepts a request, creates its execution row, and starts the
// dispatch in the background. It returns the pending execution immediately;
// progress flows over the event bus. Web and cli submissions against a busy
// session fail with ErrSessionBusy; chat submissions queue in FIFO order.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*models.Execution, error) {
	if req.Prompt == "" {
		return nil, oerr.New(oerr.KindValidation, "prompt must not be empty")
	}
	if !req.Source.Valid() {
		return nil, oerr.Newf(oerr.KindValidation, "unknown source %q", req.Source)
	}
	if req.TenantID == "" || req.UserID == "" {
		return nil, oerr.New(oerr.KindValidation, "tenant and user are required")
	}

	sess, err := d.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}

	// Non-queueing surfaces take the lock here so "busy" is a synchronous
	// answer. Chat waits its turn inside the run goroutine.
	haveLock := false
	if req.Source != models.SourceChat {
		if !d.sessions.TryAcquire(sess.ID) {
			return nil, ErrSessionBusy
		}
		haveLock = true
	}

	exec, err := d.executions.CreateExecution(ctx, models.CreateExecutionRequest{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		SessionID: sess.ID,
		Input:     req.Prompt,
	})
	if err != nil {
		if haveLock {
			d.sessions.Release(sess.ID)
		}
		return nil, oerr.Wrap(oerr.KindInternal, "failed to create execution", err)
	}

	d.publish(events.Event{
		TenantID:    req.TenantID,
		ExecutionID: exec.ID,
		SessionID:   sess.ID,
		Type:        events.TypeQueued,
	})

	d.wg.Add(1)
	go d.run(exec, sess, req, haveLock)
	return exec, nil
}

// Cancel cancels an active execution. In-flight provider calls complete;
// further tool rounds are skipped and the execution ends as cancelled.
// Returns false when the execution is not active on this instance.
func (d *Dispatcher) Cancel(tenantID, executionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.active[executionID]
	if !ok || run.tenantID != tenantID {
		return false
	}
	run.cancelled = true
	run.cancel()
	return true
}

// Interrupt cancels every active dispatch without marking it user-cancelled.
// Interrupted runs finish as failed with a deadline error. Used when the
// shutdown grace period runs out.
func (d *Dispatcher) Interrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, run := range d.active {
		run.cancel()
	}
}

// Drain waits for active dispatches to finish or the context to end.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount reports how many dispatches are running on this instance.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) resolveSession(ctx context.Context, req Request) (*models.Session, error) {
	if req.SessionID != "" {
		sess, err := d.sessions.Get(ctx, req.TenantID, req.SessionID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, oerr.Newf(oerr.KindValidation, "unknown session %s", req.SessionID)
			}
			return nil, oerr.Wrap(oerr.KindInternal, "failed to load session", err)
		}
		return sess, nil
	}
	sess, err := d.sessions.GetOrCreate(ctx, req.TenantID, req.UserID, req.Source, req.ThreadKey)
	if err != nil {
		return nil, oerr.Wrap(oerr.KindInternal, "failed to create session", err)
	}
	return sess, nil
}

// plannedTask pairs an agent with its objective for one dispatch.
type plannedTask struct {
	agent     *config.AgentConfig
	category  *config.CategoryConfig
	skills    []string
	objective string
}

// run is the dispatch body. It owns the session lock for its duration and is
// the only writer of the execution's terminal state.
func (d *Dispatcher) run(exec *models.Execution, sess *models.Session, req Request, haveLock bool) {
	defer d.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.register(exec.ID, req.TenantID, cancel)
	defer d.unregister(exec.ID)

	started := time.Now()

	if !haveLock {
		if err := d.sessions.Acquire(ctx, sess.ID); err != nil {
			d.finish(exec, sess, "en", started, nil, err)
			return
		}
	}
	defer d.sessions.Release(sess.ID)

	if err := d.markRunning(exec); err != nil {
		d.finish(exec, sess, "en", started, nil, err)
		return
	}

	history := d.sessions.Snapshot(sess, 0).Turns
	res := d.classifier.Analyze(ctx, req.TenantID, req.Prompt, history)
	lang := res.Language
	if lang == "" && d.languages != nil {
		lang = d.languages.TenantLanguage(ctx, req.TenantID)
	}
	if lang == "" {
		lang = "en"
	}

	dec := router.Route(res, req.Prompt)
	if dec.MultiAgent && d.flags != nil && d.flags.IsEnabled(ctx, flagSingleAgentOnly, req.TenantID) {
		dec.MultiAgent = false
	}
	exec.Category = dec.Category
	exec.Skills = dec.Skills
	routeCtx, cancelRoute := d.storeCtx()
	if err := d.executions.SetRouting(routeCtx, exec.TenantID, exec.ID, dec.Category, dec.Skills); err != nil {
		d.logger.Warn("Failed to record routing on execution",
			"execution_id", exec.ID, "tenant_id", exec.TenantID, "error", err)
	}
	cancelRoute()

	tasks, err := d.plan(res, dec, req.Prompt)
	if err != nil {
		d.finish(exec, sess, lang, started, nil, err)
		return
	}

	var projected int64
	for _, t := range tasks {
		projected += t.category.EstimatedUnits
	}
	if err := d.gate.Check(ctx, req.TenantID, req.UserID, projected); err != nil {
		d.finish(exec, sess, lang, started, nil, err)
		return
	}

	if err := d.sessions.AppendTurn(ctx, sess, models.RoleUser, req.Prompt, req.Metadata); err != nil {
		d.finish(exec, sess, lang, started, nil, err)
		return
	}
	snapshot := d.sessions.Snapshot(sess, 0)

	// The overall deadline comes from the routed category; agent pins only
	// change model settings, never the budget of the whole dispatch.
	cat, catErr := d.categories.Get(dec.Category)
	if catErr != nil {
		d.finish(exec, sess, lang, started, nil, oerr.Wrap(oerr.KindInternal, "unknown category", catErr))
		return
	}
	runCtx, cancelRun := context.WithTimeout(ctx, cat.Deadline)
	defer cancelRun()

	sequential := dec.MultiAgent && pipelineHint.MatchString(req.Prompt)
	results := d.runTasks(runCtx, exec, snapshot, tasks, lang, sequential)

	// An explicit cancel lets the active provider call finish, but the
	// execution still terminates as cancelled rather than surfacing whatever
	// that last call returned.
	if d.wasCancelled(exec.ID) {
		d.finish(exec, sess, lang, started, results, context.Canceled)
		return
	}

	out := aggregate.Merge(results, skillsByAgent(tasks), dec.Skills, time.Since(started).Milliseconds())
	if out.PrimaryAgent == "" {
		d.finish(exec, sess, lang, started, results, firstError(results))
		return
	}

	if err := d.sessions.AppendTurn(ctx, sess, models.RoleAssistant, out.PrimaryText,
		map[string]string{"execution_id": exec.ID, "agent": out.PrimaryAgent}); err != nil {
		d.logger.Warn("Failed to append assistant turn",
			"execution_id", exec.ID, "session_id", sess.ID, "error", err)
	}

	var consumed int64
	for i, r := range results {
		if !r.Failed {
			consumed += tasks[i].category.EstimatedUnits
		}
	}
	consumeCtx, cancelConsume := d.storeCtx()
	d.gate.Consume(consumeCtx, req.TenantID, req.UserID, consumed)
	cancelConsume()

	d.complete(exec, out, results, started)
	d.publish(events.Event{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		SessionID:   sess.ID,
		Type:        events.TypeCompleted,
		Agent:       out.PrimaryAgent,
	})
}

// plan selects agents and objectives for the routed decision. Single
// objective: the best-matching agent. Multi-agent: one agent per objective,
// each routed on its own text, capped at maxFanout.
func (d *Dispatcher) plan(res analyzer.Result, dec router.Decision, utterance string) ([]plannedTask, error) {
	if !dec.MultiAgent || len(dec.Objectives) < 2 {
		a, err := d.agentFor(dec.Skills)
		if err != nil {
			return nil, err
		}
		cat, err := d.categoryFor(a, dec.Category)
		if err != nil {
			return nil, err
		}
		return []plannedTask{{agent: a, category: cat, skills: dec.Skills, objective: utterance}}, nil
	}

	objectives := dec.Objectives
	if len(objectives) > maxFanout {
		objectives = objectives[:maxFanout]
	}
	var tasks []plannedTask
	for _, objective := range objectives {
		sub := router.Route(analyzer.Result{Language: res.Language}, objective)
		skills := sub.Skills
		if len(skills) == 0 {
			skills = dec.Skills
		}
		a, err := d.agentFor(skills)
		if err != nil {
			return nil, err
		}
		cat, err := d.categoryFor(a, dec.Category)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, plannedTask{agent: a, category: cat, skills: skills, objective: objective})
	}
	return tasks, nil
}

// agentFor picks the agent with the largest skill overlap, ties broken by
// name. With no overlap anywhere the first registered agent serves as the
// generalist.
func (d *Dispatcher) agentFor(skills []string) (*config.AgentConfig, error) {
	names := d.agents.Names()
	if len(names) == 0 {
		return nil, oerr.New(oerr.KindInternal, "no agents configured")
	}
	want := map[string]bool{}
	for _, s := range skills {
		want[s] = true
	}
	var best *config.AgentConfig
	bestScore := -1
	for _, name := range names {
		a, err := d.agents.Get(name)
		if err != nil {
			continue
		}
		score := 0
		for _, s := range a.Skills {
			if want[s] {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	return best, nil
}

// categoryFor resolves the task's category, honoring an agent's category pin.
func (d *Dispatcher) categoryFor(a *config.AgentConfig, routed string) (*config.CategoryConfig, error) {
	name := routed
	if a.Category != "" {
		name = a.Category
	}
	cat, err := d.categories.Get(name)
	if err != nil {
		return nil, oerr.Wrap(oerr.KindInternal, "unknown category", err)
	}
	return cat, nil
}

// runTasks executes the planned tasks. Parallel fan-out shares the run
// context so cancellation and the category deadline reach every agent.
// Sequential pipelines feed each agent the previous agent's output and stop
// at the first failure.
func (d *Dispatcher) runTasks(ctx context.Context, exec *models.Execution, snapshot models.Snapshot,
	tasks []plannedTask, lang string, sequential bool) []agent.Result {
	results := make([]agent.Result, len(tasks))

	if sequential {
		prior := ""
		for i, t := range tasks {
			results[i] = d.runner.Run(ctx, d.agentTask(exec, snapshot, t, lang, prior))
			if results[i].Failed {
				results = results[:i+1]
				break
			}
			prior = results[i].Text
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = d.runner.Run(gctx, d.agentTask(exec, snapshot, t, lang, ""))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) agentTask(exec *models.Execution, snapshot models.Snapshot,
	t plannedTask, lang, prior string) agent.Task {
	return agent.Task{
		TenantID:    exec.TenantID,
		UserID:      exec.UserID,
		ExecutionID: exec.ID,
		Agent:       t.agent,
		Category:    t.category,
		Skills:      t.skills,
		Objective:   t.objective,
		Snapshot:    snapshot,
		PriorOutput: prior,
		Language:    lang,
	}
}

func (d *Dispatcher) markRunning(exec *models.Execution) error {
	ctx, cancel := d.storeCtx()
	defer cancel()
	if err := d.executions.MarkRunning(ctx, exec.TenantID, exec.ID); err != nil {
		return oerr.Wrap(oerr.KindInternal, "failed to mark execution running", err)
	}
	d.publish(events.Event{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		Type:        events.TypeRunning,
	})
	return nil
}

// complete writes the success terminal state.
func (d *Dispatcher) complete(exec *models.Execution, out aggregate.Output, results []agent.Result, started time.Time) {
	ctx, cancel := d.storeCtx()
	defer cancel()
	err := d.executions.CompleteExecution(ctx, models.CompleteExecutionRequest{
		ID:         exec.ID,
		TenantID:   exec.TenantID,
		Status:     models.ExecutionStatusSuccess,
		Output:     out.PrimaryText,
		DurationMS: time.Since(started).Milliseconds(),
		Metadata:   metadataFor(out.AgentsUsed, results),
	})
	if err != nil {
		d.logger.Error("Failed to complete execution",
			"execution_id", exec.ID, "tenant_id", exec.TenantID, "error", err)
	}
	d.recordAudit(ctx, exec, string(models.ExecutionStatusSuccess), "")
}

// finish writes a failure or cancellation terminal state and streams the
// localized failure message.
func (d *Dispatcher) finish(exec *models.Execution, sess *models.Session, lang string,
	started time.Time, results []agent.Result, cause error) {
	if cause == nil {
		cause = oerr.New(oerr.KindInternal, "dispatch produced no result")
	}

	status := models.ExecutionStatusFailed
	eventType := events.TypeFailed
	kind := oerr.KindOf(cause)
	if d.wasCancelled(exec.ID) {
		status = models.ExecutionStatusCancelled
		eventType = events.TypeCancelled
		kind = oerr.KindCancelled
	} else if kind == oerr.KindCancelled {
		// Cancelled without an explicit cancel means the deadline fired
		// through the shared context.
		kind = oerr.KindDeadlineExceeded
	}

	var agentsUsed []string
	for _, r := range results {
		agentsUsed = append(agentsUsed, r.AgentName)
	}

	ctx, cancel := d.storeCtx()
	err := d.executions.CompleteExecution(ctx, models.CompleteExecutionRequest{
		ID:         exec.ID,
		TenantID:   exec.TenantID,
		Status:     status,
		ErrorKind:  string(kind),
		Error:      cause.Error(),
		DurationMS: time.Since(started).Milliseconds(),
		Metadata:   metadataFor(agentsUsed, results),
	})
	d.recordAudit(ctx, exec, string(status), string(kind))
	cancel()
	if err != nil {
		d.logger.Error("Failed to finalize execution",
			"execution_id", exec.ID, "tenant_id", exec.TenantID, "error", err)
	}

	d.logger.Warn("Dispatch did not complete",
		"execution_id", exec.ID,
		"tenant_id", exec.TenantID,
		"status", string(status),
		"error_kind", string(kind),
		"correlation_id", oerr.CorrelationID(cause),
		"error", cause)

	d.publish(events.Event{
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		SessionID:   sess.ID,
		Type:        eventType,
		Message:     oerr.UserMessage(kind, lang),
	})
}

// recordAudit writes the terminal audit entry. Best-effort, like the audit
// service itself.
func (d *Dispatcher) recordAudit(ctx context.Context, exec *models.Execution, status, kind string) {
	if d.audit == nil {
		return
	}
	detail := map[string]any{"execution_id": exec.ID, "status": status}
	if kind != "" {
		detail["error_kind"] = kind
	}
	d.audit.Record(ctx, exec.TenantID, exec.UserID, "execution_finished", detail)
}

func metadataFor(agentsUsed []string, results []agent.Result) models.ExecutionMetadata {
	meta := models.ExecutionMetadata{AgentsUsed: agentsUsed}
	for _, r := range results {
		meta.InputTokens += r.Usage.InputTokens
		meta.OutputTokens += r.Usage.OutputTokens
		meta.ToolCalls += r.ToolCalls
	}
	return meta
}

func firstError(results []agent.Result) error {
	for _, r := range results {
		if r.Failed && r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func skillsByAgent(tasks []plannedTask) map[string][]string {
	out := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		out[t.agent.Name] = t.agent.Skills
	}
	return out
}

func (d *Dispatcher) register(executionID, tenantID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.active[executionID] = &activeRun{tenantID: tenantID, cancel: cancel}
	d.mu.Unlock()
}

func (d *Dispatcher) unregister(executionID string) {
	d.mu.Lock()
	delete(d.active, executionID)
	d.mu.Unlock()
}

func (d *Dispatcher) wasCancelled(executionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.active[executionID]
	return ok && run.cancelled
}

func (d *Dispatcher) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.timing.StoreTimeout)
}

func (d *Dispatcher) publish(ev events.Event) {
	ctx, cancel := d.storeCtx()
	defer cancel()
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.logger.Warn("Failed to publish progress event",
			"tenant_id", ev.TenantID, "execution_id", ev.ExecutionID, "type", ev.Type, "error", err)
	}
}
