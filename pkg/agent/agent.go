// Package agent executes one agent persona against one objective: prompt
// assembly, the bounded tool-calling loop, and result collection. The
// dispatcher owns orchestration across agents; this package owns a single
// agent's run.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/patterns"
	"github.com/relayforge/maestro/pkg/pool"
	"github.com/relayforge/maestro/pkg/tools"
)

// Completer invokes the provider through the account pool.
type Completer interface {
	Invoke(ctx context.Context, tenantID string, req *llm.Request) (*llm.Response, *pool.InvokeStats, error)
}

// ConnectionResolver supplies decrypted tool connections per tenant.
type ConnectionResolver interface {
	ResolveConnection(ctx context.Context, tenantID, providerName string) (tools.Connection, error)
}

// ProgressSink receives per-step progress. Implementations must be nil-safe
// cheap; nil means no progress reporting.
type ProgressSink interface {
	AgentStep(ctx context.Context, tenantID, executionID, agentName, step string)
	ToolStart(ctx context.Context, tenantID, executionID, agentName, provider, operation string)
	ToolEnd(ctx context.Context, tenantID, executionID, agentName, provider, operation string, callErr error)
}

// Task is one agent run.
type Task struct {
	TenantID    string
	UserID      string
	ExecutionID string
	Agent       *config.AgentConfig
	Category    *config.CategoryConfig
	Skills      []string
	Objective   string
	Snapshot    models.Snapshot
	// PriorOutput is the upstream agent's output in sequential pipelines.
	PriorOutput string
	Language    string
}

// Result is the outcome of one agent run.
type Result struct {
	AgentName  string
	Text       string
	Confidence float64
	ToolsUsed  []string
	ToolCalls  int
	Usage      llm.Usage
	Failed     bool
	Err        error
}

// Runtime runs agents.
type Runtime struct {
	completer   Completer
	registry    *tools.Registry
	connections ConnectionResolver
	skills      *config.SkillRegistry
	patterns    *patterns.Service
	timing      *config.Timing
	sink        ProgressSink
	logger      *slog.Logger
}

// NewRuntime creates an agent runtime. patterns and sink may be nil.
func NewRuntime(completer Completer, registry *tools.Registry, connections ConnectionResolver,
	skills *config.SkillRegistry, patternSvc *patterns.Service, timing *config.Timing, sink ProgressSink) *Runtime {
	return &Runtime{
		completer:   completer,
		registry:    registry,
		connections: connections,
		skills:      skills,
		patterns:    patternSvc,
		timing:      timing,
		sink:        sink,
		logger:      slog.Default().With("component", "agent"),
	}
}

// boundTool is a tool definition bound to a resolved connection.
type boundTool struct {
	provider  string
	operation string
	conn      tools.Connection
}

// Run executes the task's tool loop. Cancellation between rounds skips
// further tool rounds; the in-flight provider call is allowed to complete.
func (r *Runtime) Run(ctx context.Context, task Task) Result {
	result := Result{AgentName: task.Agent.Name}

	defs, bindings, unavailable := r.bindTools(ctx, task)
	system := r.buildPrompt(ctx, task, unavailable)

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	for _, turn := range task.Snapshot.Turns {
		role := llm.RoleUser
		if turn.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		if turn.Role == models.RoleMarker {
			continue
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: task.Objective})

	toolErrors := 0
	usedSet := map[string]bool{}

	// Provider calls run on a context detached from cancellation so an
	// in-flight call finishes even when the task is cancelled mid-call. The
	// deadline still bounds it; cancellation is observed between rounds and
	// between tool calls.
	callCtx := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		var cancelCall context.CancelFunc
		callCtx, cancelCall = context.WithDeadline(callCtx, deadline)
		defer cancelCall()
	}

	for round := 0; round <= r.timing.MaxToolRounds; round++ {
		if err := ctx.Err(); err != nil {
			result.Failed = true
			result.Err = err
			return result
		}
		r.emitStep(ctx, task, fmt.Sprintf("round %d", round+1))

		resp, stats, err := r.completer.Invoke(callCtx, task.TenantID, &llm.Request{
			Model:       task.Category.Model,
			Temperature: task.Category.Temperature,
			MaxTokens:   task.Category.MaxTokens,
			Messages:    messages,
			Tools:       defs,
		})
		if stats != nil {
			result.Usage.InputTokens += stats.Usage.InputTokens
			result.Usage.OutputTokens += stats.Usage.OutputTokens
			result.Usage.CacheReadTokens += stats.Usage.CacheReadTokens
		}
		if err != nil {
			result.Failed = true
			result.Err = err
			return result
		}

		if len(resp.ToolCalls) == 0 {
			result.Text = resp.Text
			result.Confidence = selfConfidence(result.ToolCalls, toolErrors)
			return result
		}

		if round == r.timing.MaxToolRounds {
			// Round budget spent: surface whatever text came with the last
			// response rather than looping further.
			result.Text = resp.Text
			if result.Text == "" {
				result.Text = "I ran out of tool budget before finishing. Partial progress only."
			}
			result.Confidence = selfConfidence(result.ToolCalls, toolErrors+1)
			return result
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				result.Failed = true
				result.Err = ctx.Err()
				return result
			}
			output, callErr := r.executeCall(ctx, task, bindings, call)
			result.ToolCalls++
			if callErr != nil {
				toolErrors++
				output = fmt.Sprintf("tool error: %v", callErr)
			} else if b, ok := bindings[call.Name]; ok {
				usedSet[b.provider] = true
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}

	// Unreachable: the loop always returns from within.
	result.Failed = true
	result.Err = errors.New("agent loop exited without a result")
	return result
}

// executeCall runs one tool call with the per-call timeout.
func (r *Runtime) executeCall(ctx context.Context, task Task, bindings map[string]boundTool, call llm.ToolCall) (string, error) {
	b, ok := bindings[call.Name]
	if !ok {
		return "", fmt.Errorf("tool %q is not available", call.Name)
	}

	r.emitToolStart(ctx, task, b)
	callCtx, cancel := context.WithTimeout(ctx, r.timing.ToolCallTimeout)
	defer cancel()

	out, err := r.registry.Execute(callCtx, b.provider, b.operation, json.RawMessage(call.Arguments), b.conn)
	r.emitToolEnd(ctx, task, b, err)
	if err != nil {
		r.logger.Warn("Tool call failed",
			"tenant_id", task.TenantID,
			"execution_id", task.ExecutionID,
			"agent", task.Agent.Name,
			"provider", b.provider,
			"operation", b.operation,
			"error", err)
		return "", err
	}
	return string(out), nil
}

// bindTools resolves the task's skills to adapter operations with live
// connections. Providers without a connection are reported as unavailable so
// the prompt can say so instead of the dispatch failing.
func (r *Runtime) bindTools(ctx context.Context, task Task) ([]llm.ToolDefinition, map[string]boundTool, []string) {
	var defs []llm.ToolDefinition
	bindings := map[string]boundTool{}
	var unavailable []string
	seen := map[string]bool{}

	for _, skillName := range task.Skills {
		skill, err := r.skills.Get(skillName)
		if err != nil {
			continue
		}
		for _, provider := range skill.Providers {
			if seen[provider] {
				continue
			}
			seen[provider] = true

			adapter, err := r.registry.Get(provider)
			if err != nil {
				continue
			}
			conn, err := r.connections.ResolveConnection(ctx, task.TenantID, provider)
			if err != nil {
				unavailable = append(unavailable, provider)
				continue
			}
			for _, op := range adapter.Operations() {
				name := toolName(provider, op.Name)
				defs = append(defs, llm.ToolDefinition{
					Name:        name,
					Description: op.Description,
					Parameters:  op.InputSchema,
				})
				bindings[name] = boundTool{provider: provider, operation: op.Name, conn: conn}
			}
		}
	}
	return defs, bindings, unavailable
}

// toolName flattens provider/operation into a provider-safe tool identifier.
func toolName(provider, op string) string {
	return strings.ReplaceAll(provider, "-", "_") + "__" + op
}

// selfConfidence derives a deterministic confidence from how the run went:
// real tool work raises it, tool failures lower it.
func selfConfidence(toolCalls, toolErrors int) float64 {
	c := 0.75 + 0.05*float64(toolCalls-toolErrors)
	if c > 0.95 {
		c = 0.95
	}
	c -= 0.1 * float64(toolErrors)
	if c < 0.3 {
		c = 0.3
	}
	return c
}

func (r *Runtime) emitStep(ctx context.Context, task Task, step string) {
	if r.sink == nil {
		return
	}
	r.sink.AgentStep(ctx, task.TenantID, task.ExecutionID, task.Agent.Name, step)
}

func (r *Runtime) emitToolStart(ctx context.Context, task Task, b boundTool) {
	if r.sink == nil {
		return
	}
	r.sink.ToolStart(ctx, task.TenantID, task.ExecutionID, task.Agent.Name, b.provider, b.operation)
}

func (r *Runtime) emitToolEnd(ctx context.Context, task Task, b boundTool, err error) {
	if r.sink == nil {
		return
	}
	r.sink.ToolEnd(ctx, task.TenantID, task.ExecutionID, task.Agent.Name, b.provider, b.operation, err)
}
