package game

import (
	"time"

	"quidle-live-service/internal/domain"
)

// Phase is the derived state of a session's current question. It is never
// stored: every client recomputes it from the same persisted fields, so two
// clients observing the same record agree without sharing a clock.
type Phase string

const (
	PhaseWaiting   Phase = "waiting"
	PhaseAnswering Phase = "answering"
	PhaseRevealing Phase = "revealing"
	PhaseFinished  Phase = "finished"
)

// PhaseFor derives the phase from the session status, the question start
// timestamp, and the current question's time limit in seconds.
func PhaseFor(now time.Time, status domain.SessionStatus, start *time.Time, timeLimit int) Phase {
	if status == domain.StatusFinished {
		return PhaseFinished
	}
	if start == nil {
		return PhaseWaiting
	}
	if now.Before(windowEnd(*start, timeLimit)) {
		return PhaseAnswering
	}
	return PhaseRevealing
}

// TimeLeft returns the whole seconds remaining in the question window,
// rounded up and clamped at zero. It must always be recomputed against the
// authoritative start timestamp, never counted down from a cached value,
// so that tick-rate and propagation jitter cannot accumulate drift.
func TimeLeft(now time.Time, start *time.Time, timeLimit int) int {
	if start == nil {
		return 0
	}
	remaining := windowEnd(*start, timeLimit).Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	return secs
}

// TimeTaken is the elapsed answer time in milliseconds, clamped at zero for
// clients whose clock sits slightly behind the host-written start timestamp.
func TimeTaken(now time.Time, start time.Time) int64 {
	ms := now.Sub(start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// RevealStart returns a start timestamp far enough in the past that the
// question window is already over, forcing the revealing phase immediately.
func RevealStart(now time.Time, timeLimit int) time.Time {
	return now.Add(-time.Duration(timeLimit)*time.Second - time.Second)
}

func windowEnd(start time.Time, timeLimit int) time.Time {
	return start.Add(time.Duration(timeLimit) * time.Second)
}
