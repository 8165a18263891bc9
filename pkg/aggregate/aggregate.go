// Package aggregate merges the outputs of parallel agents into one
// user-facing result. Merge is pure: same inputs, same output.
package aggregate

import (
	"math"
	"sort"
	"strings"

	"github.com/relayforge/maestro/pkg/agent"
)

// epsilon is the score distance within which two results count as tied.
const epsilon = 0.05

// maxSupporting caps the supporting bullets extracted from non-primary
// results.
const maxSupporting = 3

// Output is the merged result.
type Output struct {
	PrimaryText  string   `json:"primary_text"`
	PrimaryAgent string   `json:"primary_agent"`
	Supporting   []string `json:"supporting,omitempty"`
	Confidence   float64  `json:"confidence"`
	AgentsUsed   []string `json:"agents_used"`
	// FailedAgents records agents dropped for failing; their errors are the
	// dispatcher's to log.
	FailedAgents []string `json:"failed_agents,omitempty"`
	ElapsedMS    int64    `json:"elapsed_ms"`
	Aggregation  string   `json:"aggregation"`
}

type scored struct {
	res   agent.Result
	score float64
}

// Merge combines agent results. skillsByAgent maps each agent to its
// declared skills; selectedSkills is the router's skill set for this
// dispatch, used as the relevance axis.
func Merge(results []agent.Result, skillsByAgent map[string][]string, selectedSkills []string, elapsedMS int64) Output {
	out := Output{
		Aggregation: "weighted_merge",
		ElapsedMS:   elapsedMS,
	}

	var kept []scored
	for _, r := range results {
		out.AgentsUsed = append(out.AgentsUsed, r.AgentName)
		if r.Failed {
			out.FailedAgents = append(out.FailedAgents, r.AgentName)
			continue
		}
		relevance := skillRelevance(skillsByAgent[r.AgentName], selectedSkills)
		kept = append(kept, scored{res: r, score: r.Confidence * relevance})
	}
	sort.Strings(out.AgentsUsed)
	sort.Strings(out.FailedAgents)

	if len(kept) == 0 {
		return out
	}

	sort.Slice(kept, func(i, j int) bool { return rank(kept[i], kept[j]) })
	primary := kept[0]
	out.PrimaryText = primary.res.Text
	out.PrimaryAgent = primary.res.AgentName
	out.Confidence = weightedConfidence(kept)

	primaryShingles := shingles(primary.res.Text)
	for _, s := range kept[1:] {
		for _, bullet := range bullets(s.res.Text) {
			if len(out.Supporting) >= maxSupporting {
				break
			}
			if overlap(shingles(bullet), primaryShingles) > 0.5 {
				continue
			}
			dup := false
			for _, existing := range out.Supporting {
				if overlap(shingles(bullet), shingles(existing)) > 0.5 {
					dup = true
					break
				}
			}
			if !dup {
				out.Supporting = append(out.Supporting, bullet)
			}
		}
	}
	return out
}

// rank orders results by score descending; ties within epsilon prefer the
// result with more tool calls, then lexical agent name.
func rank(a, b scored) bool {
	if math.Abs(a.score-b.score) > epsilon {
		return a.score > b.score
	}
	if a.res.ToolCalls != b.res.ToolCalls {
		return a.res.ToolCalls > b.res.ToolCalls
	}
	return a.res.AgentName < b.res.AgentName
}

// skillRelevance is the cosine-like match between an agent's declared skills
// and the selected skill set, normalized 0..1. With no axis to compare on,
// relevance is neutral.
func skillRelevance(agentSkills, selected []string) float64 {
	if len(agentSkills) == 0 || len(selected) == 0 {
		return 0.5
	}
	set := map[string]bool{}
	for _, s := range agentSkills {
		set[s] = true
	}
	common := 0
	for _, s := range selected {
		if set[s] {
			common++
		}
	}
	return float64(common) / math.Sqrt(float64(len(agentSkills))*float64(len(selected)))
}

// weightedConfidence is the score-weighted mean of the kept results'
// self-confidences.
func weightedConfidence(kept []scored) float64 {
	var sum, weights float64
	for _, s := range kept {
		w := s.score
		if w <= 0 {
			w = 0.01
		}
		sum += s.res.Confidence * w
		weights += w
	}
	return sum / weights
}

// bullets splits a result text into candidate supporting lines.
func bullets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*• \t"))
		if len(line) < 10 {
			continue
		}
		out = append(out, line)
	}
	return out
}

// shingles builds the 3-word shingle set of a text for near-duplicate
// detection.
func shingles(text string) map[string]bool {
	words := strings.Fields(strings.ToLower(text))
	out := map[string]bool{}
	if len(words) < 3 {
		if len(words) > 0 {
			out[strings.Join(words, " ")] = true
		}
		return out
	}
	for i := 0; i+3 <= len(words); i++ {
		out[strings.Join(words[i:i+3], " ")] = true
	}
	return out
}

// overlap is the fraction of a's shingles present in b.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	common := 0
	for s := range a {
		if b[s] {
			common++
		}
	}
	return float64(common) / float64(len(a))
}
