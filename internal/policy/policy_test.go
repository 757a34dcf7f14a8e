package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskPIIStringMasksCommonPatterns(t *testing.T) {
	message := "provider echoed: email jane@example.com, phone +1 (415) 555-0100, ssn 123-45-6789, card 4111 1111 1111 1234, Bearer sk-abcdef123456"
	masked := MaskPIIString(message)

	assert.NotContains(t, masked, "jane@example.com")
	assert.NotContains(t, masked, "555-0100")
	assert.NotContains(t, masked, "123-45-6789")
	assert.NotContains(t, masked, "4111 1111 1111")
	assert.Contains(t, masked, "1234")
	assert.NotContains(t, masked, "sk-abcdef123456")
	assert.True(t, strings.HasPrefix(masked, "provider echoed:"))
}

func TestMaskPIIStringLeavesPlainErrorsAlone(t *testing.T) {
	message := "reasoning engine: all models failed: upstream timeout after 3 attempts"
	assert.Equal(t, message, MaskPIIString(message))
}

func TestOperatorErrorTruncates(t *testing.T) {
	assert.Equal(t, "", OperatorError(nil, 200))

	long := strings.Repeat("x", 300)
	got := OperatorError(&long, 200)
	assert.Equal(t, strings.Repeat("x", 200)+"...", got)
}

func TestCheckNote(t *testing.T) {
	require.NoError(t, CheckNote("user-1", "Remind me to call the dentist"))

	err := CheckNote("", "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrContentPolicyViolation))

	var violation *PolicyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Len(t, violation.Violations, 2)

	err = CheckNote("user-1", strings.Repeat("a", MaxNoteLength+1))
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "note_too_large", violation.Violations[0].Code)
}
