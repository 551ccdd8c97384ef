package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	plain := NewAppError(ErrNotFound, "Extension not found", nil)
	assert.Equal(t, "NOT_FOUND: Extension not found", plain.Error())

	caused := NewAppErrorWithCause(ErrFailedToLoad, "Failed to read background script", errors.New("no such file"), nil)
	assert.Equal(t, "FAILED_TO_LOAD: Failed to read background script (caused by: no such file)", caused.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewAppErrorWithCause(ErrInternal, "Failed to write extension catalog", cause, nil)

	assert.ErrorIs(t, err, cause)
	assert.Nil(t, errors.Unwrap(NewAppError(ErrNotFound, "x", nil)))
}

func TestErrorCode_ThroughWrapping(t *testing.T) {
	err := NewAppError(ErrCompile, "Rules failed to compile", nil).WithOperation("compile")
	wrapped := fmt.Errorf("starting runtime: %w", err)

	assert.Equal(t, ErrCompile, ErrorCode(wrapped))
	assert.True(t, IsCompileError(wrapped))
	assert.Equal(t, "compile", err.Operation)

	assert.Empty(t, ErrorCode(errors.New("plain")))
	assert.Empty(t, ErrorCode(nil))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsMissingManifest(NewAppError(ErrMissingManifest, "m", nil)))
	assert.True(t, IsInvalidManifest(NewAppError(ErrInvalidManifest, "m", nil)))
	assert.True(t, IsNotFound(NewAppError(ErrNotFound, "m", nil)))
	assert.False(t, IsNotFound(NewAppError(ErrInternal, "m", nil)))
}

func TestParseMessageKind(t *testing.T) {
	tests := []struct {
		channel  string
		expected MessageKind
	}{
		{"sendMessage", MessageSendMessage},
		{"storageGet", MessageStorageGet},
		{"storageSet", MessageStorageSet},
		{"updateDynamicRules", MessageUpdateDynamicRules},
		{"somethingElse", MessageUnknown},
		{"", MessageUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseMessageKind(tt.channel))
		})
	}
}

func TestParseRunAt(t *testing.T) {
	assert.Equal(t, RunAtDocumentStart, ParseRunAt("document_start"))
	assert.Equal(t, RunAtDocumentEnd, ParseRunAt("document_end"))
	assert.Equal(t, RunAtDocumentIdle, ParseRunAt("document_idle"))
	assert.Equal(t, RunAtDocumentIdle, ParseRunAt(""))
	assert.Equal(t, RunAtDocumentIdle, ParseRunAt("whenever"))
}
