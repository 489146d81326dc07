package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFetchErrorTimeout(t *testing.T) {
	t.Parallel()

	err := &FetchError{URL: "https://site/a", Err: fmt.Errorf("visit: %w", context.DeadlineExceeded)}
	assert.True(t, err.Timeout())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status := &FetchError{URL: "https://site/a", StatusCode: 503}
	assert.False(t, status.Timeout())
	assert.Equal(t, "fetch https://site/a: status 503", status.Error())
}

func TestStoreErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &StoreError{Op: "upsert", Err: ErrDuplicate}
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, IsRetryable(errors.New("boom")))
	assert.False(t, IsRetryable(nil))
}

func TestTitleConflictError(t *testing.T) {
	t.Parallel()

	err := &StoreError{Op: "upsert", Err: &TitleConflictError{URL: "https://site/b", Title: "T", ExistingURL: "https://site/a"}}
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, `store upsert: title "T" of https://site/b is already stored for https://site/a: duplicate key`, err.Error())

	unknown := &TitleConflictError{URL: "https://site/b", Title: "T"}
	assert.Equal(t, `title "T" of https://site/b is already stored: duplicate key`, unknown.Error())
}
