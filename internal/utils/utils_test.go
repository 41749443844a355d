package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: DEBUG, Component: "worker", Output: &buf})

	log.With(Int("ordinal", 3)).Info("state change", String("to", "ready"))

	line := buf.String()
	assert.Contains(t, line, "[INFO ]")
	assert.Contains(t, line, "[worker]")
	assert.Contains(t, line, "state change ordinal=3 to=\"ready\"")
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LoggerConfig{Level: WARN, Output: &buf})

	log.Info("hidden")
	log.Debug("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"", INFO, false},
		{"Warning", WARN, false},
		{"ERROR", ERROR, false},
		{"loud", INFO, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	base := Retryable(CodeAcquireTimeout, "lock busy").WithContext("region", "results")
	wrapped := fmt.Errorf("merge: %w", base)

	assert.True(t, IsRetryable(wrapped))
	assert.False(t, IsFatal(wrapped))
	assert.True(t, HasCode(wrapped, CodeAcquireTimeout))
	assert.Equal(t, "results", base.Context["region"])

	fatal := WrapFatal(CodeMergeFailed, wrapped, "final merge")
	assert.True(t, IsFatal(fatal))
	assert.True(t, HasCode(fatal, CodeMergeFailed))
	assert.True(t, HasCode(fatal, CodeAcquireTimeout))
	assert.False(t, IsRetryable(errors.New("plain")))

	joined := errors.Join(Fatal(CodeWorkerCrashed, "gone"), fmt.Errorf("slot 2: %w", Fatal(CodeWorkerError, "load failed")))
	assert.True(t, HasCode(joined, CodeWorkerCrashed))
	assert.True(t, HasCode(joined, CodeWorkerError))
	assert.False(t, HasCode(joined, CodeMergeFailed))
	assert.False(t, HasCode(nil, CodeMergeFailed))
}

func TestTeardownRunsLIFO(t *testing.T) {
	td := NewTeardown(time.Second, NopLogger())
	var order []string
	td.Register("first", func() error { order = append(order, "first"); return nil })
	td.Register("second", func() error { order = append(order, "second"); return errors.New("boom") })
	td.Register("third", func() error { order = append(order, "third"); return nil })

	err := td.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teardown second")
	assert.Equal(t, []string{"third", "second", "first"}, order)
	assert.Zero(t, td.Len())
	assert.NoError(t, td.Run(context.Background()))
}

func TestRunIDUnique(t *testing.T) {
	a, b := RunID(), RunID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 14)
}
