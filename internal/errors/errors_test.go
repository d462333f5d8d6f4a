package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryFromCode(t *testing.T) {
	tests := []struct {
		code string
		want Category
	}{
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeFileAccess, CategoryIO},
		{ErrCodeBlobNotFound, CategoryNotFound},
		{ErrCodeInvalidInput, CategoryValidation},
		{ErrCodeSessionReadOnly, CategoryState},
		{ErrCodeChecksumMismatch, CategoryIntegrity},
		{ErrCodeCommitFailed, CategoryTransaction},
		{"bad", CategoryState},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, categoryFromCode(tt.code))
		})
	}
}

func TestErrorInterface(t *testing.T) {
	cause := stderrors.New("disk on fire")
	err := New(ErrCodeCommitFailed, "commit failed", cause)

	assert.Equal(t, "[ERR_701_COMMIT_FAILED] commit failed", err.Error())
	assert.Equal(t, cause, stderrors.Unwrap(err))
	assert.Equal(t, SeverityFatal, err.Severity)
	assert.True(t, stderrors.Is(err, New(ErrCodeCommitFailed, "other message", nil)))
	assert.False(t, stderrors.Is(err, New(ErrCodeRollbackFailed, "commit failed", nil)))
}

func TestNotFound(t *testing.T) {
	err := NotFound("segment1")

	require.True(t, IsNotFound(err))
	assert.Equal(t, "segment1", err.Details["name"])
	assert.Contains(t, err.Message, "segment1")
}

func TestPredicatesThroughWrapping(t *testing.T) {
	inner := NotFound("wal.000001")
	outer := fmt.Errorf("open input: %w", inner)

	assert.True(t, IsNotFound(outer))
	assert.False(t, IsIntegrity(outer))
	assert.Equal(t, ErrCodeBlobNotFound, GetCode(outer))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeFileAccess, nil))
}

func TestSeverities(t *testing.T) {
	assert.Equal(t, SeverityWarning, IO("cannot read", nil).Severity)
	assert.Equal(t, SeverityError, Validation("nil argument").Severity)
	assert.Equal(t, SeverityFatal, Integrity(ErrCodeOffsetOutOfRange, "token past end").Severity)
}
