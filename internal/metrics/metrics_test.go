package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveGradeIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(SubmissionsProcessed.WithLabelValues("test-queue", "correct"))
	ObserveGrade("test-queue", "correct", 10*time.Millisecond, 1.0)
	after := testutil.ToFloat64(SubmissionsProcessed.WithLabelValues("test-queue", "correct"))
	assert.Equal(t, before+1, after)
}

func TestServeDisabledIsNoop(t *testing.T) {
	err := Serve(context.Background(), "")
	require.NoError(t, err)
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
