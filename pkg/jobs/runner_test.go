package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/maestro/pkg/config"
)

func testJobsConfig() *config.JobsConfig {
	return &config.JobsConfig{
		Workers:      2,
		QueueSize:    8,
		RetryMax:     2,
		RetryBackoff: time.Millisecond,
		DrainTimeout: time.Second,
	}
}

func TestRunnerProcessesJobs(t *testing.T) {
	r := NewRunner(testJobsConfig())
	r.Start(context.Background())

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		r.Submit(context.Background(), Job{
			Name: "count",
			Run: func(context.Context) error {
				done.Add(1)
				return nil
			},
		})
	}
	r.Stop()

	assert.Equal(t, int32(5), done.Load())
	assert.Equal(t, 5, r.Processed())
	assert.Zero(t, r.Failed())
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	r := NewRunner(testJobsConfig())
	r.Start(context.Background())

	var attempts atomic.Int32
	r.Submit(context.Background(), Job{
		Name: "flaky",
		Run: func(context.Context) error {
			if attempts.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	r.Stop()

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, 1, r.Processed())
	assert.Zero(t, r.Failed())
}

func TestRunnerCountsExhaustedRetries(t *testing.T) {
	r := NewRunner(testJobsConfig())
	r.Start(context.Background())

	r.Submit(context.Background(), Job{
		Name: "doomed",
		Run:  func(context.Context) error { return errors.New("permanent") },
	})
	r.Stop()

	assert.Equal(t, 1, r.Failed())
	assert.Zero(t, r.Processed())
}

func TestSubmitAfterStopRunsSynchronously(t *testing.T) {
	r := NewRunner(testJobsConfig())
	r.Start(context.Background())
	r.Stop()
	require.False(t, r.Healthy())

	ran := false
	r.Submit(context.Background(), Job{
		Name: "late",
		Run: func(context.Context) error {
			ran = true
			return nil
		},
	})
	assert.True(t, ran, "work submitted after stop must not be dropped")
}

func TestSubmitFullQueueRunsSynchronously(t *testing.T) {
	cfg := testJobsConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	r := NewRunner(cfg)
	r.Start(context.Background())
	defer r.Stop()

	block := make(chan struct{})
	r.Submit(context.Background(), Job{
		Name: "blocker",
		Run: func(context.Context) error {
			<-block
			return nil
		},
	})
	// Fill the single queue slot, then force the synchronous path.
	r.Submit(context.Background(), Job{Name: "queued", Run: func(context.Context) error { return nil }})

	ran := make(chan struct{})
	go r.Submit(context.Background(), Job{
		Name: "overflow",
		Run: func(context.Context) error {
			close(ran)
			return nil
		},
	})
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("overflow job did not run synchronously")
	}
	close(block)
}
