package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	require.NotPanics(t, Init)

	// Collectors must be usable after a second Init.
	require.NotPanics(t, func() {
		ObserveScan("completed")
		ObserveFetch(200, 120*time.Millisecond)
		ObserveFetch(503, time.Second)
		ObserveHTTPRequest("GET", "/jobs", 200, 5*time.Millisecond)
		SetQueueDepth(4)
		IncActiveScans()
		DecActiveScans()
		ObserveComparison("hit")
		ObserveReaperAction("stuck_job_failed")
	})
}

func TestStatusClass(t *testing.T) {
	t.Parallel()

	cases := map[int]string{
		200: "2xx",
		204: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		0:   "other",
	}
	for code, want := range cases {
		require.Equal(t, want, statusClass(code), "code %d", code)
	}
}
