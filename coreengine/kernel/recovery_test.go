package kernel

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/testutil"
)

func TestSafeExecute(t *testing.T) {
	expectedErr := errors.New("test error")

	tests := []struct {
		name    string
		fn      func() error
		wantErr error
		panics  bool
	}{
		{name: "success", fn: func() error { return nil }},
		{name: "error passes through", fn: func() error { return expectedErr }, wantErr: expectedErr},
		{name: "panic becomes error", fn: func() error { panic("test panic") }, panics: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := testutil.NewMockLogger()
			err := SafeExecute(logger, "test_operation", tt.fn)

			switch {
			case tt.panics:
				var panicErr *PanicError
				require.ErrorAs(t, err, &panicErr)
				assert.Equal(t, "test_operation", panicErr.Operation)
				assert.Equal(t, "panic in test_operation: test panic", err.Error())
				assert.True(t, logger.HasLog("error", "panic_recovered"))
			case tt.wantErr != nil:
				assert.Equal(t, tt.wantErr, err)
				assert.Empty(t, logger.GetLogs())
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestSafeExecute_NilLogger(t *testing.T) {
	err := SafeExecute(nil, "test_operation", func() error {
		panic("test panic")
	})
	assert.ErrorContains(t, err, "panic")
}

func TestSafeExecuteWithResult(t *testing.T) {
	logger := testutil.NewMockLogger()

	result, err := SafeExecuteWithResult(logger, "test_operation", func() (int, error) {
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, result)

	str, err := SafeExecuteWithResult(logger, "test_operation", func() (string, error) {
		panic("test panic")
	})
	assert.ErrorContains(t, err, "panic in test_operation")
	assert.Equal(t, "", str)

	report, err := SafeExecuteWithResult(logger, "engine_run", func() (RunReport, error) {
		return RunReport{Success: true}, errors.New("partial")
	})
	assert.EqualError(t, err, "partial")
	assert.True(t, report.Success, "value and error are both returned when fn does not panic")
}

func TestSafeGo(t *testing.T) {
	t.Run("runs function", func(t *testing.T) {
		var wg sync.WaitGroup
		wg.Add(1)
		executed := false
		SafeGo(testutil.NewMockLogger(), "test_goroutine", func() {
			defer wg.Done()
			executed = true
		}, nil)
		wg.Wait()
		assert.True(t, executed)
	})

	t.Run("panic is logged and handed to callback", func(t *testing.T) {
		logger := testutil.NewMockLogger()
		recovered := make(chan any, 1)
		SafeGo(logger, "test_goroutine", func() {
			panic("goroutine panic")
		}, func(r any) {
			recovered <- r
		})

		assert.Equal(t, "goroutine panic", <-recovered)
		assert.True(t, logger.HasLog("error", "goroutine_panic_recovered"))
	})

	t.Run("nil logger and nil callback", func(t *testing.T) {
		done := make(chan struct{})
		SafeGo(nil, "test_goroutine", func() {
			defer close(done)
			panic("goroutine panic")
		}, nil)
		<-done
	})
}
