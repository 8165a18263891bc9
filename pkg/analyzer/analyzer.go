// Package analyzer turns a free-form utterance into a structured routing
// hint. The primary path asks the cheapest model tier for structured output;
// on any failure (provider error, timeout, schema violation) a deterministic
// keyword fallback takes over. Analyze never returns an error.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/models"
	"github.com/relayforge/maestro/pkg/pool"
)

// Closed intent set. Unknown intents degrade to IntentOther.
const (
	IntentCreateTask = "create_task"
	IntentUpdateTask = "update_task"
	IntentListTasks  = "list_tasks"
	IntentSearch     = "search"
	IntentChat       = "chat"
	IntentOther      = "other"
)

var knownIntents = map[string]bool{
	IntentCreateTask: true,
	IntentUpdateTask: true,
	IntentListTasks:  true,
	IntentSearch:     true,
	IntentChat:       true,
	IntentOther:      true,
}

// Result is the structured routing hint for one utterance.
type Result struct {
	Intent       string   `json:"intent"`
	Entities     []string `json:"entities,omitempty"`
	Language     string   `json:"language"`
	CategoryHint string   `json:"category_hint,omitempty"`
	SkillHints   []string `json:"skill_hints,omitempty"`
	Confidence   float64  `json:"confidence"`
	// Uncertain is set when confidence < 0.5. The caller decides what to do
	// with uncertainty.
	Uncertain bool `json:"uncertain,omitempty"`
}

// Completer invokes the provider through the account pool.
type Completer interface {
	Invoke(ctx context.Context, tenantID string, req *llm.Request) (*llm.Response, *pool.InvokeStats, error)
}

// Analyzer classifies utterances.
type Analyzer struct {
	completer  Completer
	categories *config.CategoryRegistry
	timing     *config.Timing
	schema     *jsonschema.Schema
	logger     *slog.Logger
}

// resultSchema constrains the LLM's structured output. Repaired JSON that
// still violates this falls through to the keyword path.
const resultSchema = `{
	"type": "object",
	"required": ["intent", "language", "confidence"],
	"properties": {
		"intent": {"type": "string"},
		"entities": {"type": "array", "items": {"type": "string"}},
		"language": {"type": "string"},
		"category_hint": {"type": "string"},
		"skill_hints": {"type": "array", "items": {"type": "string"}},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

const systemPrompt = `Classify the user's request for an orchestration router.
Respond with a single JSON object:
{"intent": one of create_task|update_task|list_tasks|search|chat|other,
 "entities": notable names or objects mentioned,
 "language": ISO 639-1 code of the request,
 "category_hint": one of quick|writing|artistry|visual-eng|ultrabrain,
 "skill_hints": subset of tool-integration|browser|vcs|ui-design,
 "confidence": your confidence 0..1}
Respond with JSON only, no prose.`

// New creates an analyzer. completer may be nil (fallback-only mode, used by
// tests and minimal deployments).
func New(completer Completer, categories *config.CategoryRegistry, timing *config.Timing) (*Analyzer, error) {
	var doc any
	if err := json.Unmarshal([]byte(resultSchema), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse analyzer schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("analyzer.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add analyzer schema: %w", err)
	}
	schema, err := c.Compile("analyzer.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile analyzer schema: %w", err)
	}
	return &Analyzer{
		completer:  completer,
		categories: categories,
		timing:     timing,
		schema:     schema,
		logger:     slog.Default().With("component", "analyzer"),
	}, nil
}

// Analyze classifies one utterance. history is a bounded window of recent
// turns for context. Never returns an error: when the LLM path fails the
// keyword fallback answers with confidence clamped to 0.5.
func (a *Analyzer) Analyze(ctx context.Context, tenantID, utterance string, history []models.Turn) Result {
	lang := DetectLanguage(utterance)

	if a.completer != nil {
		if res, ok := a.analyzeLLM(ctx, tenantID, utterance, history); ok {
			return normalize(res, lang)
		}
	}

	res := a.keywordFallback(utterance, lang)
	return normalize(res, lang)
}

// analyzeLLM runs the structured-output path within the analyzer time budget.
func (a *Analyzer) analyzeLLM(ctx context.Context, tenantID, utterance string, history []models.Turn) (Result, bool) {
	cat, err := a.categories.Get(config.CategoryQuick)
	if err != nil {
		return Result{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, a.timing.AnalyzerTimeout)
	defer cancel()

	messages := []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}}
	for _, turn := range history {
		role := llm.RoleUser
		if turn.Role == models.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: turn.Text})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})

	resp, _, err := a.completer.Invoke(ctx, tenantID, &llm.Request{
		Model:       cat.Model,
		Temperature: cat.Temperature,
		MaxTokens:   512,
		Messages:    messages,
		JSONOutput:  true,
	})
	if err != nil {
		a.logger.Warn("Analyzer LLM path failed, using keyword fallback",
			"tenant_id", tenantID, "error", err)
		return Result{}, false
	}

	res, err := a.parse(resp.Text)
	if err != nil {
		a.logger.Warn("Analyzer output rejected, using keyword fallback",
			"tenant_id", tenantID, "error", err)
		return Result{}, false
	}
	return res, true
}

// parse decodes and validates the model's JSON, repairing common defects
// (trailing commas, fenced blocks) first.
func (a *Analyzer) parse(content string) (Result, error) {
	raw := strings.TrimSpace(content)
	if fixed, err := jsonrepair.JSONRepair(raw); err == nil {
		raw = fixed
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Result{}, fmt.Errorf("analyzer output is not JSON: %w", err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return Result{}, fmt.Errorf("analyzer output violates schema: %w", err)
	}

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Result{}, fmt.Errorf("failed to decode analyzer output: %w", err)
	}
	return res, nil
}

// normalize enforces the result invariants: closed intent set, known
// language, confidence bounds, uncertainty bit.
func normalize(res Result, detectedLang string) Result {
	if !knownIntents[res.Intent] {
		res.Intent = IntentOther
	}
	if res.Language == "" {
		res.Language = detectedLang
	}
	if res.Confidence < 0 {
		res.Confidence = 0
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	res.Uncertain = res.Confidence < 0.5
	return res
}
