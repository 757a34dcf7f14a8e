package policy

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const MaxNoteLength = 20000

var ErrContentPolicyViolation = errors.New("content policy violation")

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PolicyViolationError struct {
	Violations []Violation
}

func (e *PolicyViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrContentPolicyViolation.Error()
	}
	return "content policy violation: " + e.Violations[0].Message
}

func (e *PolicyViolationError) Unwrap() error {
	return ErrContentPolicyViolation
}

// CheckNote rejects note content the pipeline cannot enhance.
func CheckNote(userID, content string) error {
	violations := make([]Violation, 0, 2)
	if strings.TrimSpace(userID) == "" {
		violations = append(violations, Violation{Code: "missing_user", Message: "user id is required"})
	}
	switch {
	case strings.TrimSpace(content) == "":
		violations = append(violations, Violation{Code: "empty_note", Message: "note content is required"})
	case !utf8.ValidString(content):
		violations = append(violations, Violation{Code: "invalid_encoding", Message: "note content must be valid UTF-8"})
	case utf8.RuneCountInString(content) > MaxNoteLength:
		violations = append(violations, Violation{Code: "note_too_large", Message: "note content exceeds the size limit"})
	}
	if len(violations) == 0 {
		return nil
	}
	return &PolicyViolationError{Violations: violations}
}
