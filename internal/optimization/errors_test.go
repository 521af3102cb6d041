package optimization

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message only", NewError("boom"), "boom"},
		{"formatted", NewErrorf("bad value %d", 3), "bad value 3"},
		{"with op", NewError("boom").WithOperation("Fit"), "Fit: boom"},
		{"with component", NewError("boom").WithComponent("gp"), "gp: boom"},
		{"with both", NewError("boom").WithComponent("gp").WithOperation("Fit"), "gp: Fit: boom"},
		{"kind prefix", NewKindError(ErrInvalidSpace, "no dims"), "invalid search space: no dims"},
		{"kind only", WrapKind(ErrCancelled, nil, ""), "optimization cancelled"},
		{"wrapped", WrapError(errors.New("io"), "read"), "read: io"},
		{"wrapped with context", WrapErrorf(errors.New("io"), "read %s", "trace").WithComponent("store"), "store: read trace: io"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}

	var nilErr *Error
	assert.Equal(t, "<nil>", nilErr.Error())
	assert.Nil(t, nilErr.Unwrap())
}

func TestErrorKinds(t *testing.T) {
	err := WrapKind(ErrCancelled, context.Canceled, "run stopped")

	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrInvalidConfig)

	wrapped := fmt.Errorf("controller: %w", err)
	assert.ErrorIs(t, wrapped, ErrCancelled)

	optErr, ok := IsOptimizationError(wrapped)
	require.True(t, ok)
	assert.Equal(t, "run stopped", optErr.Message)

	_, ok = IsOptimizationError(errors.New("plain"))
	assert.False(t, ok)
	_, ok = IsOptimizationError(nil)
	assert.False(t, ok)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, WrapError(nil, "ignored"))
	assert.Nil(t, WrapErrorf(nil, "ignored %d", 1))
}
