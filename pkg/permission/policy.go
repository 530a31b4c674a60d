package permission

// CallerPolicy restricts which tools one caller may touch, independent of
// tool permission levels. Deny entries override allow entries; "*" is a
// wildcard. A nil policy imposes no restriction.
type CallerPolicy struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Allows reports whether the policy permits the tool.
func (p *CallerPolicy) Allows(toolName string) bool {
	if p == nil {
		return true
	}

	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// An explicit allow list with no match denies by default. An empty
	// allow list means the policy only carries deny rules.
	return len(p.Allow) == 0
}
