package agent

// CardInfo is the static identity advertised in the agent card.
type CardInfo struct {
	// Name is the logical agent name.
	Name string
	// Description is a human-readable description of the agent.
	Description string
	// Version is the agent implementation version.
	Version string
	// URL is the public base URL of the agent.
	URL string
	// Metadata carries free-form card metadata.
	Metadata map[string]any
}

// Card renders the self-describing agent card from the identity and the
// registry. Regenerated on each request; never persisted.
func Card(info CardInfo, reg *Registry) map[string]any {
	card := map[string]any{
		"name":        info.Name,
		"description": info.Description,
		"version":     info.Version,
		"url":         info.URL,
		"capabilities": map[string]any{
			"streaming":      false,
			"multimodal":     false,
			"authentication": "required_for_mutations",
		},
		"skills": reg.RenderSkills(),
	}
	if info.Metadata != nil {
		card["metadata"] = info.Metadata
	}
	return card
}
