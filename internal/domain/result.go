package domain

import (
	"sort"
	"time"
)

type Overall string

const (
	OverallRunning        Overall = "running"
	OverallSuccess        Overall = "success"
	OverallPartialSuccess Overall = "partial_success"
	OverallFailed         Overall = "failed"
	OverallTimedOut       Overall = "timed_out"
)

func (o Overall) IsTerminal() bool {
	return o != OverallRunning && o != ""
}

type AggregatedResult struct {
	TaskID   int64                  `json:"task_id"`
	TaskName string                 `json:"task_name"`
	PerHost  map[string]HostOutcome `json:"per_host"`
	Overall  Overall                `json:"overall"`

	// Remaining lists hosts still in the wait set when waiting stopped.
	Remaining []string `json:"remaining,omitempty"`
	// Excluded lists hosts dropped from the wait set for lacking a liveness registration.
	Excluded []string      `json:"excluded,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Failures returns the failed outcomes sorted by host.
func (r *AggregatedResult) Failures() []HostOutcome {
	var out []HostOutcome
	for _, o := range r.PerHost {
		if o.Status == OutcomeFailed {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Decide computes the overall outcome from the terminal outcomes and the hosts still pending.
// Hosts excluded as offline are pending in perHost and count toward neither side, so a task
// whose every target was excluded is a Success with nothing executed.
func Decide(perHost map[string]HostOutcome, remaining []string) Overall {
	if len(remaining) > 0 {
		return OverallTimedOut
	}
	var succeeded, failed int
	for _, o := range perHost {
		switch o.Status {
		case OutcomeSucceeded:
			succeeded++
		case OutcomeFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return OverallSuccess
	case succeeded == 0:
		return OverallFailed
	default:
		return OverallPartialSuccess
	}
}

// StatusRow is one line of the per-host status table returned to a client.
type StatusRow struct {
	Host           string        `json:"host"`
	Status         OutcomeStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	HostsRemaining int           `json:"num_hosts_remaining"`
	HostsActive    int           `json:"num_hosts_active"`
}

// Rows renders terminal outcomes in finish order, counting down the hosts still pending after
// each row. Hosts that never finished are appended with their pending status.
func (r *AggregatedResult) Rows(active map[string]bool) []StatusRow {
	finished := make([]HostOutcome, 0, len(r.PerHost))
	var pending []HostOutcome
	for _, o := range r.PerHost {
		if o.IsTerminal() {
			finished = append(finished, o)
		} else {
			pending = append(pending, o)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if a.FinishedAt != nil && b.FinishedAt != nil && !a.FinishedAt.Equal(*b.FinishedAt) {
			return a.FinishedAt.Before(*b.FinishedAt)
		}
		return a.Host < b.Host
	})
	sort.Slice(pending, func(i, j int) bool { return pending[i].Host < pending[j].Host })

	activePending := 0
	for _, o := range pending {
		if active[o.Host] {
			activePending++
		}
	}

	rows := make([]StatusRow, 0, len(finished)+len(pending))
	remaining := len(r.PerHost)
	for _, o := range finished {
		remaining--
		rows = append(rows, StatusRow{
			Host:           o.Host,
			Status:         o.Status,
			Error:          o.Error,
			HostsRemaining: remaining,
			HostsActive:    activePending,
		})
	}
	for _, o := range pending {
		rows = append(rows, StatusRow{
			Host:           o.Host,
			Status:         o.Status,
			HostsRemaining: remaining,
			HostsActive:    activePending,
		})
	}
	return rows
}
