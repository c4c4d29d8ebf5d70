package appvault

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("disk on fire")

	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"nil", nil, KindUnknown, false},
		{"foreign", cause, KindUnknown, false},
		{"io", IOError("write cache", cause), KindIO, true},
		{"io without cause", IOError("write cache", nil), KindIO, true},
		{"not found", NotFoundError("kv dir", nil), KindNotFound, true},
		{"not found wrapping io", NotFoundError("kv dir", IOError("create", cause)), KindNotFound, true},
		{"io wrapping not found", IOError("get or create kv", NotFoundError("storage", nil)), KindIO, true},
		{"wrapped", fmt.Errorf("backup: %w", IOError("write", cause)), KindIO, true},
		{"sentinel only", fmt.Errorf("storage gone: %w", ErrIO), KindIO, true},
		{"contract", ContractViolation("version %d", 2), KindContractViolation, false},
		{"unrecoverable", Unrecoverable("read cache", cause), KindUnrecoverable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
}

func TestErrorsKeepCause(t *testing.T) {
	err := IOError("open sink", fs.ErrPermission)
	require.ErrorIs(t, err, ErrIO)
	require.ErrorIs(t, err, fs.ErrPermission)
	assert.Equal(t, "open sink: i/o error: permission denied", err.Error())

	nested := NotFoundError("kv dir", IOError("create", nil))
	require.ErrorIs(t, nested, ErrNotFound)
	require.ErrorIs(t, nested, ErrIO)

	var classified *Error
	require.ErrorAs(t, nested, &classified)
	assert.Equal(t, KindNotFound, classified.Kind)
}

func TestContractViolationMessage(t *testing.T) {
	err := ContractViolation("version %d is not newer than %d", 2, 3)
	assert.Equal(t, "version 2 is not newer than 3: contract violation", err.Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "io", KindIO.String())
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "contract_violation", KindContractViolation.String())
	assert.Equal(t, "unrecoverable", KindUnrecoverable.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
