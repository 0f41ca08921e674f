// Package validator scores implementer responses: a syntactic
// completeness check, LLM quality scoring, and a derived confidence
// figure stored for observability.
package validator

import (
	"fmt"
	"strings"
)

// Completeness is the result of the syntactic stage.
type Completeness struct {
	// Complete is true when every predicate passed.
	Complete bool
	// Issues lists each failed predicate in human terms.
	Issues []string
}

// CheckCompleteness runs the syntactic predicates against a raw
// response: non-empty, balanced code fences, and presence of every
// declared schema section.
func CheckCompleteness(response string, schemaFields []string) Completeness {
	var issues []string

	trimmed := strings.TrimSpace(response)
	if trimmed == "" {
		return Completeness{Issues: []string{"response is empty"}}
	}

	if strings.Count(response, "```")%2 != 0 {
		issues = append(issues, "unbalanced code fences")
	}

	for _, field := range schemaFields {
		if !strings.Contains(response, field) {
			issues = append(issues, fmt.Sprintf("missing required section %q", field))
		}
	}

	return Completeness{Complete: len(issues) == 0, Issues: issues}
}
