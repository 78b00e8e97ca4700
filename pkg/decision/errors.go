package decision

import (
	"fmt"
	"strings"
)

// Violation is one failed field check from subject validation.
type Violation struct {
	// Field is the json path of the offending field.
	Field string `json:"field"`

	// Rule is the validation rule that failed.
	Rule string `json:"rule"`

	// Message is a human-readable description of the failure.
	Message string `json:"message"`
}

// InvalidInputError reports every violated field of a subject payload
// at once, so the caller can fix all issues in one pass.
type InvalidInputError struct {
	Category   string
	Violations []Violation
}

func (e *InvalidInputError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return fmt.Sprintf("invalid %s subject: %s", e.Category, strings.Join(msgs, "; "))
}
