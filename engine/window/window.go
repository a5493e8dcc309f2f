// Package window implements the Voting Window Controller (§4.7): the
// dynamic viewer-vote deadline, shortened on viewer arrival but never
// lengthened.
package window

import "time"

const (
	// Active is VIEWER_VOTE_WINDOW_ACTIVE_MS.
	Active = 30 * time.Second
	// Idle is VIEWER_VOTE_WINDOW_IDLE_MS.
	Idle = 120 * time.Second
)

// Mode names the voting window's state, carried on the Round row.
type Mode string

const (
	ModeActive Mode = "active"
	ModeIdle   Mode = "idle"
)

// InitialWindow picks the starting deadline for startVoting based on
// current viewer presence.
func InitialWindow(totalViewers int64) (time.Duration, Mode) {
	if totalViewers > 0 {
		return Active, ModeActive
	}
	return Idle, ModeIdle
}

// ShouldShorten implements maybeShortenVotingWindow's decision for a round
// the caller has already found in voting: shorten only if the remaining
// window exceeds Active and at least one viewer is present. It is a one-shot IDLE->ACTIVE transition;
// once the window is already <=Active, no further action is taken.
func ShouldShorten(now, endsAt time.Time, totalViewers int64) (newEndsAt time.Time, shorten bool) {
	remaining := endsAt.Sub(now)
	if remaining <= Active {
		return time.Time{}, false
	}
	if totalViewers <= 0 {
		return time.Time{}, false
	}
	return now.Add(Active), true
}
