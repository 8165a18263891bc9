package dispatch

import (
	"context"
	"log/slog"

	"github.com/relayforge/maestro/pkg/events"
)

// ProgressBridge forwards agent runtime progress to the event bus. It is the
// agent.ProgressSink implementation wired into the runtime at startup.
type ProgressBridge struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewProgressBridge creates the bridge.
func NewProgressBridge(bus *events.Bus) *ProgressBridge {
	return &ProgressBridge{
		bus:    bus,
		logger: slog.Default().With("component", "dispatch"),
	}
}

// AgentStep publishes a running event for an agent's loop step.
func (p *ProgressBridge) AgentStep(ctx context.Context, tenantID, executionID, agentName, step string) {
	p.send(ctx, events.Event{
		TenantID:    tenantID,
		ExecutionID: executionID,
		Type:        events.TypeRunning,
		Agent:       agentName,
		Step:        step,
	})
}

// ToolStart publishes a tool_start event.
func (p *ProgressBridge) ToolStart(ctx context.Context, tenantID, executionID, agentName, provider, operation string) {
	p.send(ctx, events.Event{
		TenantID:    tenantID,
		ExecutionID: executionID,
		Type:        events.TypeToolStart,
		Agent:       agentName,
		Provider:    provider,
		Operation:   operation,
	})
}

// ToolEnd publishes a tool_end event. The error itself is the runtime's to
// log; the event only notes that the call ended.
func (p *ProgressBridge) ToolEnd(ctx context.Context, tenantID, executionID, agentName, provider, operation string, callErr error) {
	ev := events.Event{
		TenantID:    tenantID,
		ExecutionID: executionID,
		Type:        events.TypeToolEnd,
		Agent:       agentName,
		Provider:    provider,
		Operation:   operation,
	}
	if callErr != nil {
		ev.Step = "error"
	}
	p.send(ctx, ev)
}

func (p *ProgressBridge) send(ctx context.Context, ev events.Event) {
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.logger.Warn("Failed to publish progress event",
			"tenant_id", ev.TenantID, "execution_id", ev.ExecutionID, "type", ev.Type, "error", err)
	}
}
