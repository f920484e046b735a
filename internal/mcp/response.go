package mcp

// ResponseEnvelope is the structured payload of every tool result.
type ResponseEnvelope struct {
	Data     any      `json:"data"`
	Guidance []string `json:"guidance,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Visual is a Mermaid diagram, present only when charts are enabled.
	Visual string `json:"visual,omitempty"`
}

// WrapResponse builds the envelope, dropping empty hint lists.
func WrapResponse(data any, guidance []string, warnings []string) ResponseEnvelope {
	env := ResponseEnvelope{Data: data}
	if len(guidance) > 0 {
		env.Guidance = guidance
	}
	if len(warnings) > 0 {
		env.Warnings = warnings
	}
	return env
}
