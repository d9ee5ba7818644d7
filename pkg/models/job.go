package models

import (
	"strings"
	"time"
)

// ErrorType classifies a job-reported failure
type ErrorType string

const (
	ErrorTransient ErrorType = "transient" // Resubmitting may succeed
	ErrorFatal     ErrorType = "fatal"     // Resubmitting will fail the same way
)

// ParseErrorType maps an errorSummary type attribute. Anything other than
// "transient" is treated as fatal.
func ParseErrorType(s string) ErrorType {
	if strings.EqualFold(strings.TrimSpace(s), string(ErrorTransient)) {
		return ErrorTransient
	}
	return ErrorFatal
}

// Parameter is one job input. When ByReference is set, Value holds a URL the
// caller must dereference to obtain the actual value.
type Parameter struct {
	ID          string `json:"id"`
	Value       string `json:"value"`
	ByReference bool   `json:"by_reference,omitempty"`
	IsPost      bool   `json:"is_post,omitempty"`
}

// Parameters is an ordered parameter list as reported by the service
type Parameters []Parameter

// Lookup finds a parameter by id. Ids are compared case-insensitively since
// services disagree on casing.
func (ps Parameters) Lookup(id string) (Parameter, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return Parameter{}, false
}

// Value returns the value of the named parameter, or "" if absent
func (ps Parameters) Value(id string) string {
	p, _ := ps.Lookup(id)
	return p.Value
}

// Result locates one output of a completed job
type Result struct {
	ID       string `json:"id"`
	Href     string `json:"href"`
	MimeType string `json:"mime_type,omitempty"`
	Size     *int64 `json:"size,omitempty"`
}

// ErrorSummary describes why a job ended in PhaseError
type ErrorSummary struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message,omitempty"`
	HasDetail bool      `json:"has_detail,omitempty"`
}

// JobSummary is an immutable snapshot of one job document fetch
type JobSummary struct {
	JobID             string        `json:"job_id"`
	RunID             string        `json:"run_id,omitempty"`
	OwnerID           string        `json:"owner_id,omitempty"`
	Phase             JobPhase      `json:"phase"`
	Quote             *time.Time    `json:"quote,omitempty"`
	CreationTime      *time.Time    `json:"creation_time,omitempty"`
	StartTime         *time.Time    `json:"start_time,omitempty"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	ExecutionDuration time.Duration `json:"execution_duration"` // 0 = unbounded
	Destruction       *time.Time    `json:"destruction,omitempty"`
	Parameters        Parameters    `json:"parameters,omitempty"`
	Results           []Result      `json:"results,omitempty"`
	ErrorSummary      *ErrorSummary `json:"error_summary,omitempty"`
	Version           string        `json:"version,omitempty"`
}

// IsTerminal reports whether the snapshot's phase is terminal
func (j *JobSummary) IsTerminal() bool {
	return j.Phase.IsTerminal()
}

// Result returns the result with the given id
func (j *JobSummary) Result(id string) (Result, bool) {
	for _, r := range j.Results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}

// JobRef is one entry of a job list. Only JobID and Href are guaranteed;
// an empty Phase means the service did not report it.
type JobRef struct {
	JobID        string     `json:"job_id"`
	Href         string     `json:"href,omitempty"`
	Phase        JobPhase   `json:"phase,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	OwnerID      string     `json:"owner_id,omitempty"`
	CreationTime *time.Time `json:"creation_time,omitempty"`
}

// JobList is the parsed form of a job-list document
type JobList struct {
	Jobs    []JobRef `json:"jobs"`
	Version string   `json:"version,omitempty"`
}

// Len returns the number of entries
func (l *JobList) Len() int {
	return len(l.Jobs)
}

// Filter returns the entries whose reported phase is in the set. Entries
// without a reported phase are skipped.
func (l *JobList) Filter(phases PhaseSet) []JobRef {
	out := make([]JobRef, 0, len(l.Jobs))
	for _, ref := range l.Jobs {
		if ref.Phase != "" && phases.Contains(ref.Phase) {
			out = append(out, ref)
		}
	}
	return out
}
