package track17

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManualScheduler(workers ...*Worker) *Scheduler {
	return &Scheduler{
		workers:     workers,
		workChan:    make(chan string, 8),
		resultsChan: make(chan TaskResult, 8),
		logger:      NopLogger(),
		carrier:     CarrierAuto,
	}
}

func newSchedulerWorker(doer httpDoer) *Worker {
	tracker, _, _ := newTestTracker(doer)
	return &Worker{id: "w-test", tracker: tracker, logger: NopLogger()}
}

func collectResults(t *testing.T, s *Scheduler, n int) []TaskResult {
	t.Helper()
	var results []TaskResult
	timeout := time.After(5 * time.Second)
	for len(results) < n {
		select {
		case r := <-s.Results():
			results = append(results, r)
		case <-timeout:
			t.Fatalf("only %d of %d results arrived", len(results), n)
		}
	}
	return results
}

func TestSchedulerResolvesSubmittedNumbers(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(200, "guid-1", resolvedShipment("A", CarrierUPS)))
	doer.queue(apiResponse(200, "guid-2", resolvedShipment("B", CarrierUSPS)))

	s := newManualScheduler(newSchedulerWorker(doer))
	s.Start(context.Background())
	defer s.Close()

	s.Submit("A")
	s.Submit("B")

	results := collectResults(t, s, 2)
	byNumber := map[string]TaskResult{}
	for _, r := range results {
		byNumber[r.Number] = r
	}

	require.Contains(t, byNumber, "A")
	require.Contains(t, byNumber, "B")
	require.NoError(t, byNumber["A"].Err)
	require.NoError(t, byNumber["B"].Err)
	assert.Equal(t, "A", byNumber["A"].Response.Shipments[0].Number)
	assert.Equal(t, "B", byNumber["B"].Response.Shipments[0].Number)
}

func TestSchedulerReportsNonFatalErrors(t *testing.T) {
	doer := &scriptedDoer{}
	doer.queue(apiResponse(-5, ""))

	s := newManualScheduler(newSchedulerWorker(doer))
	s.Start(context.Background())
	defer s.Close()

	s.Submit("A")

	results := collectResults(t, s, 1)
	assert.Equal(t, "A", results[0].Number)
	require.Error(t, results[0].Err)
	assert.False(t, results[0].Fatal)
	var protoErr *ProtocolError
	assert.ErrorAs(t, results[0].Err, &protoErr)
}

func TestSchedulerFatalErrorStopsPool(t *testing.T) {
	doer := &scriptedDoer{}
	// Credentials rejected on every round eventually escalates to fatal.
	for range 8 {
		doer.queue(apiResponse(codeInvalidSign, ""))
	}

	s := newManualScheduler(newSchedulerWorker(doer))
	s.Start(context.Background())

	s.Submit("A")

	results := collectResults(t, s, 1)
	assert.True(t, results[0].Fatal)
	require.Error(t, results[0].Err)
	assert.True(t, s.stopped.Load())
}

func TestWorkerLoggerPrefix(t *testing.T) {
	var got string
	base := logFunc(func(format string, args ...any) { got = format })
	wl := &workerLogger{id: "abcd1234", base: base}
	wl.Log("hello %s", "world")
	assert.Equal(t, "[%s] hello %s", got)
}

type logFunc func(format string, args ...any)

func (f logFunc) Log(format string, args ...any) { f(format, args...) }

func TestGenerateWorkerID(t *testing.T) {
	a := generateWorkerID()
	b := generateWorkerID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
