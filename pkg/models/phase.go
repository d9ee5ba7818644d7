package models

import "strings"

// JobPhase is the lifecycle state reported by a UWS service
type JobPhase string

// UWS job phases
const (
	PhasePending   JobPhase = "PENDING"   // Accepted, not yet committed for execution
	PhaseQueued    JobPhase = "QUEUED"    // Committed, waiting for resources
	PhaseExecuting JobPhase = "EXECUTING" // Running on the service
	PhaseCompleted JobPhase = "COMPLETED" // Finished, results available
	PhaseError     JobPhase = "ERROR"     // Failed, error summary available
	PhaseAborted   JobPhase = "ABORTED"   // Aborted by the client or the service
	PhaseHeld      JobPhase = "HELD"      // Held by the service pending client action
	PhaseSuspended JobPhase = "SUSPENDED" // Suspended by the service, may resume
	PhaseUnknown   JobPhase = "UNKNOWN"   // State not known to the service or client
	PhaseArchived  JobPhase = "ARCHIVED"  // Results deleted, metadata retained
)

var knownPhases = map[string]JobPhase{
	"PENDING":   PhasePending,
	"QUEUED":    PhaseQueued,
	"EXECUTING": PhaseExecuting,
	"COMPLETED": PhaseCompleted,
	"ERROR":     PhaseError,
	"ABORTED":   PhaseAborted,
	"HELD":      PhaseHeld,
	"SUSPENDED": PhaseSuspended,
	"UNKNOWN":   PhaseUnknown,
	"ARCHIVED":  PhaseArchived,
}

// ParsePhase maps a phase token to a JobPhase. Unrecognized tokens map to
// PhaseUnknown.
func ParsePhase(s string) JobPhase {
	if p, ok := knownPhases[strings.ToUpper(strings.TrimSpace(s))]; ok {
		return p
	}
	return PhaseUnknown
}

// AllPhases returns every phase in declaration order
func AllPhases() []JobPhase {
	return []JobPhase{
		PhasePending, PhaseQueued, PhaseExecuting, PhaseCompleted, PhaseError,
		PhaseAborted, PhaseHeld, PhaseSuspended, PhaseUnknown, PhaseArchived,
	}
}

func (p JobPhase) String() string {
	return string(p)
}

// IsTerminal returns true if the service will not move the job on its own
func (p JobPhase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseError, PhaseAborted, PhaseArchived:
		return true
	default:
		return false
	}
}

// IsActive returns true if the job is committed to or undergoing execution
func (p JobPhase) IsActive() bool {
	return p == PhaseQueued || p == PhaseExecuting
}

// AcceptsParameters returns true if parameters may still be changed.
// Services differ on EXECUTING; the client refuses it locally.
func (p JobPhase) AcceptsParameters() bool {
	return !p.IsTerminal() && p != PhaseExecuting
}

// CanWaitOn returns true if the phase is accepted as the PHASE argument of a
// UWS 1.1 blocking request
func (p JobPhase) CanWaitOn() bool {
	return p == PhasePending || p == PhaseQueued || p == PhaseExecuting
}

// PhaseSet is a set of phases a waiter is interested in
type PhaseSet map[JobPhase]bool

// NewPhaseSet builds a PhaseSet from the given phases
func NewPhaseSet(phases ...JobPhase) PhaseSet {
	set := make(PhaseSet, len(phases))
	for _, p := range phases {
		set[p] = true
	}
	return set
}

// Contains reports whether p is in the set
func (s PhaseSet) Contains(p JobPhase) bool {
	return s[p]
}
