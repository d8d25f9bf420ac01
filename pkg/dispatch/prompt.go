package dispatch

import "github.com/jllopis/relay/pkg/agent"

// RolePrompt frames prompt for role. Execute prompts pass through untouched.
func RolePrompt(role agent.Role, prompt string) string {
	switch role {
	case agent.RolePlan:
		return "Create a concise, numbered implementation plan for the following task. " +
			"Do not write the implementation.\n\nTask:\n" + prompt
	case agent.RoleReview:
		return "Review the following work. List concrete problems and suggested fixes, " +
			"or reply APPROVED if there are none.\n\n" + prompt
	default:
		return prompt
	}
}

// RawPrompt sends prompts unchanged for every role.
func RawPrompt(_ agent.Role, prompt string) string { return prompt }
