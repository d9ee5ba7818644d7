// Package uwstest provides an in-process UWS service for tests. Jobs follow
// a scripted phase sequence, advancing one step per job document fetch once
// they have been started.
package uwstest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/psantana5/uws-client/pkg/models"
	"github.com/psantana5/uws-client/pkg/uws"
)

// Script is the phase sequence a started job walks through
type Script struct {
	Phases       []models.JobPhase
	Results      []models.Result     // attached on COMPLETED
	ErrorSummary *models.ErrorSummary // attached on ERROR
}

// DefaultScript runs a job to completion with a single result
func DefaultScript() Script {
	return Script{Phases: []models.JobPhase{models.PhaseQueued, models.PhaseExecuting, models.PhaseCompleted}}
}

// RecordedRequest is one request the server received
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Form   url.Values
}

type job struct {
	summary models.JobSummary
	script  Script
	step    int
	started bool
}

// Server is a fake UWS service rooted at /jobs
type Server struct {
	*httptest.Server

	// NextID generates job ids; defaults to random UUIDs
	NextID func() string
	// Script is applied to jobs created after it is set
	Script Script
	// RejectDeleteVerb answers DELETE with 405 to exercise POST ACTION=DELETE
	RejectDeleteVerb bool
	// FailLongPoll answers requests carrying WAIT with 503
	FailLongPoll bool

	mu       sync.Mutex
	jobs     map[string]*job
	order    []string
	requests []RecordedRequest
	failures []int // queued statuses for job document fetches; 0 means malformed body
}

// NewServer starts a fake service
func NewServer() *Server {
	s := &Server{
		NextID: uuid.NewString,
		Script: DefaultScript(),
		jobs:   make(map[string]*job),
	}

	r := mux.NewRouter()
	r.HandleFunc("/jobs", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/jobs/{id}/phase", s.handlePhase).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/parameters", s.handleParameters).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/executionduration", s.handleDuration).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/destruction", s.handleDestruction).Methods(http.MethodPost)
	r.Use(s.record)

	s.Server = httptest.NewServer(r)
	return s
}

// JobsURL returns the job-list endpoint
func (s *Server) JobsURL() string {
	return s.URL + "/jobs"
}

// Requests returns a copy of the request log
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// FailFetches makes the next job document fetches fail, one per status.
// A status of 0 serves a malformed document instead.
func (s *Server) FailFetches(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, statuses...)
}

// AddJob registers a job directly, bypassing creation
func (s *Server) AddJob(summary models.JobSummary, script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[summary.JobID] = &job{summary: summary, script: script}
	s.order = append(s.order, summary.JobID)
}

// Job returns a copy of the server-side state of a job
func (s *Server) Job(id string) (models.JobSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.JobSummary{}, false
	}
	return j.summary, true
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		s.mu.Lock()
		s.requests = append(s.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Form:   r.PostForm,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	id := s.NextID()
	now := time.Now().UTC().Truncate(time.Second)
	j := &job{
		summary: models.JobSummary{
			JobID:        id,
			RunID:        r.PostForm.Get("RUNID"),
			Phase:        models.PhasePending,
			CreationTime: &now,
		},
		script: s.Script,
	}
	for key, values := range r.PostForm {
		if strings.EqualFold(key, "PHASE") || strings.EqualFold(key, "RUNID") {
			continue
		}
		for _, v := range values {
			j.summary.Parameters = append(j.summary.Parameters, models.Parameter{ID: key, Value: v})
		}
	}
	if strings.EqualFold(r.PostForm.Get("PHASE"), "RUN") {
		j.started = true
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	s.mu.Unlock()

	http.Redirect(w, r, "/jobs/"+id, http.StatusSeeOther)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	filter := models.NewPhaseSet()
	for _, p := range r.URL.Query()["PHASE"] {
		filter[models.ParsePhase(p)] = true
	}
	list := &models.JobList{}
	for _, id := range s.order {
		j, ok := s.jobs[id]
		if !ok {
			continue
		}
		if len(filter) > 0 && !filter.Contains(j.summary.Phase) {
			continue
		}
		list.Jobs = append(list.Jobs, models.JobRef{
			JobID:        id,
			Href:         id,
			Phase:        j.summary.Phase,
			RunID:        j.summary.RunID,
			CreationTime: j.summary.CreationTime,
		})
	}
	s.mu.Unlock()

	if last, err := strconv.Atoi(r.URL.Query().Get("LAST")); err == nil && last < len(list.Jobs) {
		list.Jobs = list.Jobs[len(list.Jobs)-last:]
	}

	data, err := uws.EncodeJobList(list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeXML(w, data)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	if len(s.failures) > 0 {
		status := s.failures[0]
		s.failures = s.failures[1:]
		s.mu.Unlock()
		if status == 0 {
			writeXML(w, []byte("<uws:job><uws:jobId>broken"))
			return
		}
		http.Error(w, "injected failure", status)
		return
	}
	if s.FailLongPoll && r.URL.Query().Get("WAIT") != "" {
		s.mu.Unlock()
		http.Error(w, "blocking requests unavailable", http.StatusServiceUnavailable)
		return
	}

	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "no such job: "+id, http.StatusNotFound)
		return
	}
	j.advance()
	summary := j.summary
	s.mu.Unlock()

	data, err := uws.EncodeJob(&summary)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeXML(w, data)
}

// advance moves a started job one step along its script
func (j *job) advance() {
	if !j.started || j.summary.Phase.IsTerminal() || j.step >= len(j.script.Phases) {
		return
	}
	j.summary.Phase = j.script.Phases[j.step]
	j.step++

	now := time.Now().UTC().Truncate(time.Second)
	switch j.summary.Phase {
	case models.PhaseExecuting:
		if j.summary.StartTime == nil {
			j.summary.StartTime = &now
		}
	case models.PhaseCompleted:
		j.summary.EndTime = &now
		j.summary.Results = j.script.Results
		if len(j.summary.Results) == 0 {
			j.summary.Results = []models.Result{{ID: "result", Href: "/jobs/" + j.summary.JobID + "/results/result"}}
		}
	case models.PhaseError:
		j.summary.EndTime = &now
		j.summary.ErrorSummary = j.script.ErrorSummary
		if j.summary.ErrorSummary == nil {
			j.summary.ErrorSummary = &models.ErrorSummary{Type: models.ErrorFatal, Message: "job failed"}
		}
	}
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "no such job: "+id, http.StatusNotFound)
		return
	}

	switch strings.ToUpper(r.PostForm.Get("PHASE")) {
	case "RUN":
		if j.summary.Phase != models.PhasePending && j.summary.Phase != models.PhaseHeld {
			phase := j.summary.Phase
			s.mu.Unlock()
			http.Error(w, fmt.Sprintf("cannot run a job in phase %s", phase), http.StatusBadRequest)
			return
		}
		j.started = true
	case "ABORT":
		if j.summary.Phase.IsTerminal() {
			phase := j.summary.Phase
			s.mu.Unlock()
			http.Error(w, fmt.Sprintf("cannot abort a job in phase %s", phase), http.StatusBadRequest)
			return
		}
		now := time.Now().UTC().Truncate(time.Second)
		j.summary.Phase = models.PhaseAborted
		j.summary.EndTime = &now
	default:
		s.mu.Unlock()
		http.Error(w, "unsupported PHASE value", http.StatusBadRequest)
		return
	}
	s.mu.Unlock()

	http.Redirect(w, r, "/jobs/"+id, http.StatusSeeOther)
}

func (s *Server) handleParameters(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "no such job: "+id, http.StatusNotFound)
		return
	}
	if j.summary.Phase != models.PhasePending && j.summary.Phase != models.PhaseHeld {
		phase := j.summary.Phase
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("parameters cannot be changed in phase %s", phase), http.StatusBadRequest)
		return
	}
	for key, values := range r.PostForm {
		if len(values) == 0 {
			continue
		}
		replaced := false
		for i := range j.summary.Parameters {
			if strings.EqualFold(j.summary.Parameters[i].ID, key) {
				j.summary.Parameters[i].Value = values[0]
				replaced = true
			}
		}
		if !replaced {
			j.summary.Parameters = append(j.summary.Parameters, models.Parameter{ID: key, Value: values[0]})
		}
	}
	s.mu.Unlock()

	http.Redirect(w, r, "/jobs/"+id, http.StatusSeeOther)
}

func (s *Server) handleDuration(w http.ResponseWriter, r *http.Request) {
	seconds, err := strconv.ParseInt(r.PostForm.Get("EXECUTIONDURATION"), 10, 64)
	if err != nil || seconds < 0 {
		http.Error(w, "EXECUTIONDURATION must be a non-negative integer", http.StatusBadRequest)
		return
	}
	s.update(w, r, func(j *job) {
		j.summary.ExecutionDuration = time.Duration(seconds) * time.Second
	})
}

func (s *Server) handleDestruction(w http.ResponseWriter, r *http.Request) {
	t, err := time.Parse(time.RFC3339Nano, r.PostForm.Get("DESTRUCTION"))
	if err != nil {
		http.Error(w, "DESTRUCTION must be an ISO-8601 timestamp", http.StatusBadRequest)
		return
	}
	s.update(w, r, func(j *job) {
		t := t.UTC()
		j.summary.Destruction = &t
	})
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, fn func(*job)) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		fn(j)
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such job: "+id, http.StatusNotFound)
		return
	}
	http.Redirect(w, r, "/jobs/"+id, http.StatusSeeOther)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(r.PostForm.Get("ACTION"), "DELETE") {
		http.Error(w, "unsupported ACTION", http.StatusBadRequest)
		return
	}
	s.remove(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if s.RejectDeleteVerb {
		http.Error(w, "use POST ACTION=DELETE", http.StatusMethodNotAllowed)
		return
	}
	s.remove(w, r)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no such job: "+id, http.StatusNotFound)
		return
	}
	http.Redirect(w, r, "/jobs", http.StatusSeeOther)
}

func writeXML(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
