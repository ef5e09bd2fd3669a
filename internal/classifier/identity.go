package classifier

import (
	"sort"
	"strings"
)

// Violation is one identity leak found in a response: a base-model reference
// where the agent's own identity should appear.
type Violation struct {
	Type  string `json:"type"`
	Match string `json:"match"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// ValidationResult carries the violations and, when any were found, the
// response text with each match replaced by the agent identity.
type ValidationResult struct {
	Violations    []Violation `json:"violations"`
	CorrectedText string      `json:"corrected_text,omitempty"`
}

// IdentityValidator scans response text for known base-model references.
// The match table is supplied out of band: violation type to the substrings
// that indicate it.
type IdentityValidator struct {
	table map[string][]string
}

// NewIdentityValidator builds a validator from a match table.
func NewIdentityValidator(table map[string][]string) *IdentityValidator {
	return &IdentityValidator{table: table}
}

// Validate finds case-insensitive matches of the table's substrings in the
// response. Matches equal to the agent's own identity are not violations.
func (v *IdentityValidator) Validate(agentIdentity, responseText string) *ValidationResult {
	lower := strings.ToLower(responseText)
	identity := strings.ToLower(agentIdentity)

	var violations []Violation
	for vtype, needles := range v.table {
		for _, needle := range needles {
			n := strings.ToLower(needle)
			if n == "" || n == identity {
				continue
			}
			for from := 0; ; {
				idx := strings.Index(lower[from:], n)
				if idx < 0 {
					break
				}
				start := from + idx
				violations = append(violations, Violation{
					Type:  vtype,
					Match: responseText[start : start+len(needle)],
					Start: start,
					End:   start + len(needle),
				})
				from = start + len(needle)
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].Start != violations[j].Start {
			return violations[i].Start < violations[j].Start
		}
		return violations[i].End > violations[j].End
	})

	result := &ValidationResult{Violations: violations}
	if len(violations) > 0 {
		result.CorrectedText = correct(responseText, violations, agentIdentity)
	}
	return result
}

// correct rewrites the response, substituting the agent identity for each
// violation span. Overlapping spans collapse into the first one seen.
func correct(text string, violations []Violation, identity string) string {
	var sb strings.Builder
	pos := 0
	for _, viol := range violations {
		if viol.Start < pos {
			continue
		}
		sb.WriteString(text[pos:viol.Start])
		sb.WriteString(identity)
		pos = viol.End
	}
	sb.WriteString(text[pos:])
	return sb.String()
}
