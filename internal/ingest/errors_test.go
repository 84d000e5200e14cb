package ingest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestKindOfAndRetryable(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
	}{
		{"network", NetworkError("fetch", "a", 429, errors.New("slow down")), KindNetwork, true},
		{"wrapped network", fmt.Errorf("outer: %w", NetworkError("fetch", "a", 0, nil)), KindNetwork, true},
		{"parse", ParseError("parse", "a", errors.New("bad json")), KindParse, false},
		{"validation", ValidationError("validate", "a", errors.New("short")), KindValidation, false},
		{"transient storage", StorageError("upsert", "a", &pq.Error{Code: "40001"}), KindStorage, true},
		{"constraint storage", StorageError("upsert", "a", &pq.Error{Code: "23505"}), KindStorage, false},
		{"not found", NotFoundError("fetch", "a", nil), KindNotFound, false},
		{"plain", errors.New("plain"), KindUnknown, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, KindOf(tc.err))
			assert.Equal(t, tc.retryable, IsRetryable(tc.err))
		})
	}
}

func TestErrorMessageAndStatus(t *testing.T) {
	err := NetworkError("fetch", "abc", 503, errors.New("unavailable"))
	assert.Equal(t, "ingest: network fetch abc (status 503): unavailable", err.Error())
	assert.Equal(t, 503, StatusCode(fmt.Errorf("x: %w", err)))
	assert.Equal(t, 0, StatusCode(errors.New("x")))
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(fmt.Errorf("run: %w", ErrCircuitOpen)))
	assert.True(t, Fatal(ErrStorageUnavailable))
	assert.False(t, Fatal(ValidationError("validate", "a", nil)))
	assert.False(t, Fatal(nil))
}

func TestBreaker(t *testing.T) {
	b := NewBreaker(2)
	assert.False(t, b.Miss())
	b.Hit()
	assert.False(t, b.Miss())
	assert.True(t, b.Miss())
	assert.True(t, b.Open())

	disabled := NewBreaker(0)
	for i := 0; i < 100; i++ {
		assert.False(t, disabled.Miss())
	}
}

func TestTitleRules_Check(t *testing.T) {
	rules := DefaultTitleRules
	testCases := []struct {
		title string
		want  error
	}{
		{"A Proper Title", nil},
		{"   ", errEmptyTitle},
		{"Untitled", errPlaceholderTitle},
		{"404 Not Found | Shop", errNotFoundPage},
		{"ページが見つかりません", errNotFoundPage},
		{"Redirecting...", errNotFoundPage},
		{"ab", errShortTitle},
		{"夏の日", nil},
	}
	for _, tc := range testCases {
		t.Run(tc.title, func(t *testing.T) {
			err := rules.Check(tc.title)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
