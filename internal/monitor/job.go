package monitor

import "time"

// Normalized returns a copy of the job with its timestamp invariants
// repaired against now: StartedAt is set when the job is or was
// running, CompletedAt is set exactly when the status is terminal,
// and a completed job always reads 100% progress.
func (j Job) Normalized(now time.Time) Job {
	switch {
	case j.Status == JobStatusRunning:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		j.CompletedAt = nil
	case j.Status.Terminal():
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
		if j.CompletedAt == nil {
			t := now
			j.CompletedAt = &t
		}
	default:
		j.StartedAt = nil
		j.CompletedAt = nil
	}
	if j.Status == JobStatusCompleted {
		j.Progress = 100
	}
	return j
}
