package agent

import (
	"context"
	"fmt"
	"strings"
)

// languageNames maps supported language codes to the instruction wording.
var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"de": "German",
}

// buildPrompt assembles the agent's system prompt: persona, skill fragments,
// approved pattern suggestions, unavailable-capability notices, pipeline
// input, and the response language.
func (r *Runtime) buildPrompt(ctx context.Context, task Task, unavailable []string) string {
	var b strings.Builder

	b.WriteString(task.Agent.Persona)
	b.WriteString("\n\nScope: ")
	b.WriteString(task.Agent.Scope)
	b.WriteString(".")

	for _, skillName := range task.Skills {
		skill, err := r.skills.Get(skillName)
		if err != nil || skill.PromptFragment == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(skill.PromptFragment)
	}

	if len(unavailable) > 0 {
		b.WriteString("\n\nUnavailable capabilities (no connection configured): ")
		b.WriteString(strings.Join(unavailable, ", "))
		b.WriteString(". Tell the user these are not connected instead of attempting them.")
	}

	if r.patterns != nil {
		suggestions := r.patterns.ForAgent(ctx, task.TenantID, task.Agent.Name)
		if len(suggestions) > 0 {
			b.WriteString("\n\nTeam guidance:")
			for _, s := range suggestions {
				b.WriteString("\n- ")
				b.WriteString(s.Text)
			}
		}
	}

	if task.PriorOutput != "" {
		b.WriteString("\n\nOutput of the previous step, for your use:\n")
		b.WriteString(task.PriorOutput)
	}

	if task.Snapshot.Truncated {
		b.WriteString("\n\nNote: only the most recent turns of a longer conversation are shown.")
	}

	if name, ok := languageNames[task.Language]; ok && task.Language != "en" {
		b.WriteString(fmt.Sprintf("\n\nRespond in %s.", name))
	}

	return b.String()
}
