// Package router chooses the category (model tier) and skill set for a
// dispatch, and detects multi-objective requests. Routing is a pure function
// of its inputs: same analyzer result and utterance, same decision.
package router

import (
	"regexp"
	"sort"
	"strings"

	"github.com/relayforge/maestro/pkg/analyzer"
	"github.com/relayforge/maestro/pkg/config"
)

// hintThreshold is the minimum analyzer confidence for its category hint to
// be trusted over keyword matching.
const hintThreshold = 0.6

// Decision is the routing outcome for one utterance.
type Decision struct {
	Category string
	Skills   []string
	// MultiAgent is set when the request carries independent objectives.
	MultiAgent bool
	// Objectives are the split sub-requests when MultiAgent is set;
	// otherwise a single element holding the whole utterance.
	Objectives []string
}

// categoryPriority is the fixed tie-break order when several keyword groups
// match: the more expensive interpretation wins, so a request mixing UI work
// with a lookup is not starved of the model it needs.
var categoryPriority = []string{
	config.CategoryUltrabrain,
	config.CategoryVisualEng,
	config.CategoryArtistry,
	config.CategoryWriting,
	config.CategoryQuick,
}

// Keyword groups per category for the no-hint path.
var categoryKeywords = map[string][]string{
	config.CategoryUltrabrain: {"architecture", "architect", "design a system", "trade-off", "deep dive", "debug", "root cause", "why does"},
	config.CategoryVisualEng:  {"ui", "frontend", "layout", "mockup", "component", "css", "screen"},
	config.CategoryArtistry:   {"brainstorm", "creative", "ideas", "slogan", "name for", "tagline"},
	config.CategoryWriting:    {"write", "draft", "summarize", "summary", "blog", "document", "email"},
}

// Skill triggers over the utterance and extracted entities.
var skillKeywords = map[string][]string{
	config.SkillToolIntegration: {"task", "ticket", "issue", "todo", "assign", "tracker", "note", "doc"},
	config.SkillBrowser:         {"search", "find", "look up", "wiki", "docs", "knowledge base"},
	config.SkillVCS:             {"pull request", "merge request", "repo", "repository", "branch", "commit", "code review"},
	config.SkillUIDesign:        {"ui", "frontend", "layout", "mockup", "screen", "design"},
}

// Conjunctions that split a request into candidate objectives.
var objectiveSplit = regexp.MustCompile(`(?i)\s+(?:and then|and also|then|; and|;)\s+|\s+and\s+`)

// Verbs that open an independent objective. Two of these across split parts
// flag a multi-agent request.
var objectiveVerbs = regexp.MustCompile(`(?i)^\s*(create|add|update|close|write|draft|summarize|search|find|list|review|post|design|build|plan)\b`)

// Route decides category, skills, and multi-agent shape for one utterance.
func Route(res analyzer.Result, utterance string) Decision {
	lower := strings.ToLower(utterance)

	category := pickCategory(res, lower)
	skills := pickSkills(res, lower)
	objectives, multi := detectObjectives(utterance)

	return Decision{
		Category:   category,
		Skills:     skills,
		MultiAgent: multi,
		Objectives: objectives,
	}
}

// pickCategory prefers a confident analyzer hint, then keyword groups in
// fixed priority order, then quick.
func pickCategory(res analyzer.Result, lower string) string {
	if res.Confidence >= hintThreshold && validCategory(res.CategoryHint) {
		return res.CategoryHint
	}
	for _, cat := range categoryPriority {
		for _, kw := range categoryKeywords[cat] {
			if containsWord(lower, kw) {
				return cat
			}
		}
	}
	return config.CategoryQuick
}

// pickSkills unions the analyzer's hints with keyword triggers from the
// utterance and entities, sorted for determinism.
func pickSkills(res analyzer.Result, lower string) []string {
	set := map[string]bool{}
	for _, s := range res.SkillHints {
		if _, ok := skillKeywords[s]; ok {
			set[s] = true
		}
	}
	haystack := lower
	for _, e := range res.Entities {
		haystack += " " + strings.ToLower(e)
	}
	for skill, kws := range skillKeywords {
		for _, kw := range kws {
			if containsWord(haystack, kw) {
				set[skill] = true
				break
			}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// detectObjectives splits the utterance on conjunctions and flags
// multi-agent when at least two parts open with independent intent verbs,
// or when the selected skills span disjoint domains across parts.
func detectObjectives(utterance string) ([]string, bool) {
	parts := objectiveSplit.Split(utterance, -1)
	if len(parts) < 2 {
		return []string{utterance}, false
	}

	var objectives []string
	verbCount := 0
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		objectives = append(objectives, p)
		if objectiveVerbs.MatchString(p) {
			verbCount++
		}
	}
	if len(objectives) < 2 {
		return []string{utterance}, false
	}

	if verbCount >= 2 {
		return objectives, true
	}
	if disjointSkillGroups(objectives) {
		return objectives, true
	}
	return []string{utterance}, false
}

// disjointSkillGroups reports whether two objective parts trigger
// non-overlapping skill bundles.
func disjointSkillGroups(parts []string) bool {
	var groups []map[string]bool
	for _, p := range parts {
		lower := strings.ToLower(p)
		g := map[string]bool{}
		for skill, kws := range skillKeywords {
			for _, kw := range kws {
				if containsWord(lower, kw) {
					g[skill] = true
					break
				}
			}
		}
		if len(g) > 0 {
			groups = append(groups, g)
		}
	}
	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			if !overlaps(groups[i], groups[j]) {
				return true
			}
		}
	}
	return false
}

func overlaps(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

func validCategory(name string) bool {
	switch name {
	case config.CategoryQuick, config.CategoryWriting, config.CategoryArtistry,
		config.CategoryVisualEng, config.CategoryUltrabrain:
		return true
	}
	return false
}

// containsWord matches kw at word boundaries so "ui" does not hit "build".
func containsWord(haystack, kw string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], kw)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordChar(haystack[i-1])
		after := i+len(kw) >= len(haystack) || !isWordChar(haystack[i+len(kw)])
		if before && after {
			return true
		}
		idx = i + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-'
}
