package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *GleanError
		code   ErrorCode
		status int
	}{
		{"invalid", NewInvalidRequest("bad"), ErrInvalidRequest, 400},
		{"missing field", NewMissingField("url"), ErrInvalidRequest, 400},
		{"unauthorized", NewUnauthorized("no token"), ErrUnauthorized, 401},
		{"not found", NewNotFound("item", "abc"), ErrNotFound, 404},
		{"conflict", NewConflict("busy"), ErrConflict, 409},
		{"internal", NewInternal(stderrors.New("boom")), ErrInternal, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.Status)
			assert.True(t, Is(tt.err, tt.code))
		})
	}
}

func TestMissingFieldNamesField(t *testing.T) {
	err := NewMissingField("content")
	assert.Equal(t, "INVALID_REQUEST: content is required", err.Error())
	assert.Equal(t, "content", err.Details["field"])
}

func TestIsWrapped(t *testing.T) {
	err := fmt.Errorf("capture: %w", NewNotFound("item", "x"))
	assert.True(t, Is(err, ErrNotFound))
	assert.False(t, Is(err, ErrConflict))
	assert.False(t, Is(stderrors.New("plain"), ErrNotFound))
}

func TestFrom(t *testing.T) {
	cause := stderrors.New("disk full")
	g := From(cause)
	assert.Equal(t, ErrInternal, g.Code)
	assert.ErrorIs(t, g, cause)

	nf := NewNotFound("highlight", "h1")
	assert.Same(t, nf, From(fmt.Errorf("wrap: %w", nf)))

	assert.Equal(t, "internal error", NewInternal(nil).Message)
}
