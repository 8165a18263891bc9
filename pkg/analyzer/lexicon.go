package analyzer

import (
	"regexp"
	"strings"

	"github.com/relayforge/maestro/pkg/config"
)

// lexiconEntry maps keyword stems to a classification outcome.
type lexiconEntry struct {
	stems    []string
	intent   string
	category string
	skills   []string
}

// Per-language keyword lexicons for the deterministic fallback. Ordered:
// the first matching entry wins, so more specific stems come first.
var lexicons = map[string][]lexiconEntry{
	"en": {
		{stems: []string{"create task", "create a task", "add task", "new ticket", "create issue", "file a bug"},
			intent: IntentCreateTask, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"update task", "close task", "reassign", "mark done", "update issue"},
			intent: IntentUpdateTask, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"list tasks", "my tasks", "open issues", "show tickets"},
			intent: IntentListTasks, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"search", "find", "look up", "where is"},
			intent: IntentSearch, category: config.CategoryQuick, skills: []string{config.SkillBrowser}},
		{stems: []string{"pull request", "merge request", "code review", "repository", "branch"},
			intent: IntentSearch, category: config.CategoryUltrabrain, skills: []string{config.SkillVCS}},
		{stems: []string{"ui", "frontend", "layout", "mockup", "component", "screen design"},
			intent: IntentChat, category: config.CategoryVisualEng, skills: []string{config.SkillUIDesign}},
		{stems: []string{"write", "draft", "summarize", "blog post", "document"},
			intent: IntentChat, category: config.CategoryWriting},
		{stems: []string{"brainstorm", "ideas for", "creative", "slogan", "name for"},
			intent: IntentChat, category: config.CategoryArtistry},
		{stems: []string{"architecture", "design a system", "trade-off", "deep dive", "why does"},
			intent: IntentChat, category: config.CategoryUltrabrain},
	},
	"es": {
		{stems: []string{"crear tarea", "nueva tarea", "crear ticket"},
			intent: IntentCreateTask, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"actualizar tarea", "cerrar tarea", "reasignar"},
			intent: IntentUpdateTask, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"listar tareas", "mis tareas"},
			intent: IntentListTasks, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"buscar", "encontrar", "dónde está"},
			intent: IntentSearch, category: config.CategoryQuick, skills: []string{config.SkillBrowser}},
		{stems: []string{"escribir", "redactar", "resumir", "documento"},
			intent: IntentChat, category: config.CategoryWriting},
		{stems: []string{"lluvia de ideas", "ideas para", "creativo"},
			intent: IntentChat, category: config.CategoryArtistry},
	},
	"de": {
		{stems: []string{"aufgabe erstellen", "neue aufgabe", "ticket erstellen"},
			intent: IntentCreateTask, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"aufgabe aktualisieren", "aufgabe schließen"},
			intent: IntentUpdateTask, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"aufgaben auflisten", "meine aufgaben"},
			intent: IntentListTasks, category: config.CategoryQuick, skills: []string{config.SkillToolIntegration}},
		{stems: []string{"suche", "finde", "wo ist"},
			intent: IntentSearch, category: config.CategoryQuick, skills: []string{config.SkillBrowser}},
		{stems: []string{"schreibe", "entwurf", "zusammenfassen", "dokument"},
			intent: IntentChat, category: config.CategoryWriting},
	},
}

// Cheap language cues. English is the default when nothing matches.
var languageMarkers = map[string]*regexp.Regexp{
	"es": regexp.MustCompile(`(?i)\b(el|la|los|las|una?|qué|cómo|dónde|por favor|tarea|crear|buscar|hola)\b|[¿¡]`),
	"de": regexp.MustCompile(`(?i)\b(der|die|das|ein|eine|und|nicht|bitte|aufgabe|erstellen|suche|hallo|ich)\b|[äöüß]`),
}

// DetectLanguage guesses the utterance language from marker words. Returns
// an ISO 639-1 code; defaults to "en".
func DetectLanguage(utterance string) string {
	best, bestHits := "en", 0
	for lang, re := range languageMarkers {
		hits := len(re.FindAllString(utterance, -1))
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	// A single stray article is too weak a signal.
	if bestHits < 2 {
		return "en"
	}
	return best
}

// keywordFallback classifies by lexicon lookup. Confidence is clamped to 0.5
// so downstream consumers know this was not a model judgment.
func (a *Analyzer) keywordFallback(utterance, lang string) Result {
	lex, ok := lexicons[lang]
	if !ok {
		lex = lexicons["en"]
	}
	lower := strings.ToLower(utterance)

	for _, entry := range lex {
		for _, stem := range entry.stems {
			if strings.Contains(lower, stem) {
				return Result{
					Intent:       entry.intent,
					Language:     lang,
					CategoryHint: entry.category,
					SkillHints:   entry.skills,
					Confidence:   0.5,
				}
			}
		}
	}

	return Result{
		Intent:     IntentOther,
		Language:   lang,
		Confidence: 0.2,
	}
}
