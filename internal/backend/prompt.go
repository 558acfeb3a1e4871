package backend

import (
	"strings"

	"fleetd/pkg/types"
)

var defaultStyle = types.PromptStyle{
	Roles: []string{"USER", "ASSISTANT"},
	Intra: ": ",
	Inter: "\n",
}

// BuildPrompt expands r into the text the model consumes. Generate requests
// use the prompt verbatim; chat requests are laid out with the family's
// prompt style.
func BuildPrompt(style *types.PromptStyle, r *Request) string {
	if r.Ability != types.AbilityChat {
		return r.Prompt
	}
	s := defaultStyle
	if style != nil {
		if len(style.Roles) >= 2 {
			s.Roles = style.Roles
		}
		if style.Intra != "" {
			s.Intra = style.Intra
		}
		if style.Inter != "" {
			s.Inter = style.Inter
		}
		s.SystemPrompt = style.SystemPrompt
	}
	var b strings.Builder
	system := r.SystemPrompt
	if system == "" {
		system = s.SystemPrompt
	}
	if system != "" {
		b.WriteString(system)
		b.WriteString(s.Inter)
	}
	for _, m := range r.History {
		switch m.Role {
		case types.RoleSystem:
			b.WriteString(m.Content)
		case types.RoleAssistant:
			b.WriteString(s.Roles[1] + s.Intra + m.Content)
		default:
			b.WriteString(s.Roles[0] + s.Intra + m.Content)
		}
		b.WriteString(s.Inter)
	}
	b.WriteString(s.Roles[0] + s.Intra + r.Prompt)
	b.WriteString(s.Inter)
	b.WriteString(s.Roles[1] + strings.TrimRight(s.Intra, " "))
	return b.String()
}
