package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrors_UnwrapToSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", NewValidationError("UserName", "must not be empty"), ErrValidation},
		{"not found", NewNotFoundError("role", "ADM"), ErrNotFound},
		{"conflict", NewConflictError("account", "id"), ErrConflict},
		{"transaction", NewTransactionStateError("already committed"), ErrTransactionState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
		})
	}
}

func TestNotFoundError_As(t *testing.T) {
	err := fmt.Errorf("failed: %w", NewNotFoundError("role", "ADM"))

	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "role", nf.Entity)
	assert.Equal(t, "ADM", nf.Key)
	assert.Equal(t, `role "ADM" not found`, nf.Error())
}

func TestValidationError_Message(t *testing.T) {
	assert.Equal(t, "validation failed for UserName: already taken",
		NewValidationError("UserName", "already taken").Error())
	assert.Equal(t, "validation failed: bad", NewValidationError("", "bad").Error())
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "", NormalizeKey(""))
	assert.Equal(t, "test", NormalizeKey("tEsT"))
	assert.Equal(t, NormalizeKey("STRASSE"), NormalizeKey("strasse"))
	assert.True(t, KeysEqual("AaA@bBb.com", "aaa@bbb.com"))
	assert.False(t, KeysEqual("adm", "adm05"))
}
