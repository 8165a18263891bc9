package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/maestro/pkg/config"
	"github.com/relayforge/maestro/pkg/llm"
	"github.com/relayforge/maestro/pkg/pool"
)

type fakeCompleter struct {
	content string
	err     error
	calls   int
}

func (f *fakeCompleter) Invoke(_ context.Context, _ string, _ *llm.Request) (*llm.Response, *pool.InvokeStats, error) {
	f.calls++
	if f.err != nil {
		return nil, &pool.InvokeStats{}, f.err
	}
	return &llm.Response{Text: f.content}, &pool.InvokeStats{}, nil
}

func newTestAnalyzer(t *testing.T, completer Completer) *Analyzer {
	t.Helper()
	registry := config.NewCategoryRegistry(config.DefaultCategories())
	a, err := New(completer, registry, config.DefaultTiming())
	require.NoError(t, err)
	return a
}

func TestAnalyzeLLMPath(t *testing.T) {
	ctx := context.Background()

	t.Run("valid structured output is used", func(t *testing.T) {
		a := newTestAnalyzer(t, &fakeCompleter{
			content: `{"intent":"create_task","entities":["deploy checklist"],"language":"en","category_hint":"quick","skill_hints":["tool-integration"],"confidence":0.92}`,
		})
		res := a.Analyze(ctx, "t1", "create a task for the deploy checklist", nil)
		assert.Equal(t, IntentCreateTask, res.Intent)
		assert.Equal(t, "quick", res.CategoryHint)
		assert.Equal(t, []string{"tool-integration"}, res.SkillHints)
		assert.InDelta(t, 0.92, res.Confidence, 1e-9)
		assert.False(t, res.Uncertain)
	})

	t.Run("repairable JSON is accepted", func(t *testing.T) {
		a := newTestAnalyzer(t, &fakeCompleter{
			content: "```json\n{\"intent\": \"search\", \"language\": \"en\", \"confidence\": 0.8,}\n```",
		})
		res := a.Analyze(ctx, "t1", "find the launch doc", nil)
		assert.Equal(t, IntentSearch, res.Intent)
		assert.InDelta(t, 0.8, res.Confidence, 1e-9)
	})

	t.Run("unknown intent degrades to other", func(t *testing.T) {
		a := newTestAnalyzer(t, &fakeCompleter{
			content: `{"intent":"launch_rocket","language":"en","confidence":0.9}`,
		})
		res := a.Analyze(ctx, "t1", "whatever", nil)
		assert.Equal(t, IntentOther, res.Intent)
	})

	t.Run("schema violation falls back to keywords", func(t *testing.T) {
		a := newTestAnalyzer(t, &fakeCompleter{
			content: `{"intent":"search","language":"en","confidence":"very high"}`,
		})
		res := a.Analyze(ctx, "t1", "create a task for QA", nil)
		assert.Equal(t, IntentCreateTask, res.Intent)
		assert.LessOrEqual(t, res.Confidence, 0.5)
	})

	t.Run("provider failure falls back to keywords", func(t *testing.T) {
		a := newTestAnalyzer(t, &fakeCompleter{err: errors.New("provider down")})
		res := a.Analyze(ctx, "t1", "search for the retro notes", nil)
		assert.Equal(t, IntentSearch, res.Intent)
		assert.LessOrEqual(t, res.Confidence, 0.5)
	})

	t.Run("confidence below half sets uncertain", func(t *testing.T) {
		a := newTestAnalyzer(t, &fakeCompleter{
			content: `{"intent":"chat","language":"en","confidence":0.3}`,
		})
		res := a.Analyze(ctx, "t1", "hmm", nil)
		assert.True(t, res.Uncertain)
	})
}

func TestKeywordFallback(t *testing.T) {
	ctx := context.Background()
	a := newTestAnalyzer(t, nil)

	tests := []struct {
		name      string
		utterance string
		intent    string
		category  string
		skills    []string
	}{
		{"task creation", "please create task: update the runbook", IntentCreateTask, config.CategoryQuick, []string{config.SkillToolIntegration}},
		{"task listing", "show tickets assigned to me", IntentListTasks, config.CategoryQuick, []string{config.SkillToolIntegration}},
		{"search", "find the onboarding guide", IntentSearch, config.CategoryQuick, []string{config.SkillBrowser}},
		{"code work", "review the open pull request in the billing repo", IntentSearch, config.CategoryUltrabrain, []string{config.SkillVCS}},
		{"ui work", "sketch a layout for the settings screen", IntentChat, config.CategoryVisualEng, []string{config.SkillUIDesign}},
		{"writing", "draft a summary of the quarterly results", IntentChat, config.CategoryWriting, nil},
		{"no match", "zzzz", IntentOther, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := a.Analyze(ctx, "t1", tt.utterance, nil)
			assert.Equal(t, tt.intent, res.Intent)
			assert.Equal(t, tt.category, res.CategoryHint)
			assert.Equal(t, tt.skills, res.SkillHints)
			assert.LessOrEqual(t, res.Confidence, 0.5)
			assert.True(t, res.Uncertain)
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		utterance string
		want      string
	}{
		{"create a task for the launch", "en"},
		{"por favor crear tarea para el equipo", "es"},
		{"¿dónde está el documento?", "es"},
		{"bitte erstellen Sie eine neue Aufgabe", "de"},
		{"ich suche das Dokument", "de"},
		{"", "en"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectLanguage(tt.utterance), "utterance: %q", tt.utterance)
	}
}

func TestSpanishFallbackLexicon(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	res := a.Analyze(context.Background(), "t1", "por favor crear tarea para la demo", nil)
	assert.Equal(t, IntentCreateTask, res.Intent)
	assert.Equal(t, "es", res.Language)
}
