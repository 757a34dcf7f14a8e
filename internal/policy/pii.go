package policy

import (
	"regexp"

	"github.com/mira/mira-back/internal/domain"
)

var (
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	bearerToken  = regexp.MustCompile(`(?i)\b(bearer|api[_-]?key|token)([=:\s]+)[a-z0-9._\-]{8,}`)
)

// MaskPIIString redacts contact details, card numbers and credentials that
// job error messages may echo back from note text or provider responses.
func MaskPIIString(value string) string {
	masked := bearerToken.ReplaceAllString(value, "${1}${2}[redacted]")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = ssnPattern.ReplaceAllString(masked, "***-**-****")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

// OperatorError prepares a stored job error for ops surfaces.
func OperatorError(message *string, maxLen int) string {
	if message == nil {
		return ""
	}
	return domain.Truncate(MaskPIIString(*message), maxLen)
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 13 {
		return value
	}

	last4 := string(digits[len(digits)-4:])
	return "**** **** **** " + last4
}
