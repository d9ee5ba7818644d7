package uws

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/uws-client/pkg/models"
)

// XML namespaces used in UWS documents
const (
	NamespaceUWS   = "http://www.ivoa.net/xml/UWS/v1.0"
	NamespaceXLink = "http://www.w3.org/1999/xlink"
	NamespaceXSI   = "http://www.w3.org/2001/XMLSchema-instance"
)

// Decoding structs. Tags carry no namespace so elements match by local name
// whatever prefix or default namespace the service uses.

type xmlJob struct {
	XMLName           xml.Name         `xml:"job"`
	Version           string           `xml:"version,attr"`
	JobID             *string          `xml:"jobId"`
	RunID             string           `xml:"runId"`
	OwnerID           string           `xml:"ownerId"`
	Phase             *string          `xml:"phase"`
	Quote             string           `xml:"quote"`
	CreationTime      string           `xml:"creationTime"`
	StartTime         string           `xml:"startTime"`
	EndTime           string           `xml:"endTime"`
	ExecutionDuration string           `xml:"executionDuration"`
	Destruction       string           `xml:"destruction"`
	Parameters        []xmlParameter   `xml:"parameters>parameter"`
	Results           []xmlResult      `xml:"results>result"`
	ErrorSummary      *xmlErrorSummary `xml:"errorSummary"`
}

type xmlParameter struct {
	ID          string `xml:"id,attr"`
	ByReference string `xml:"byReference,attr"`
	IsPost      string `xml:"isPost,attr"`
	Value       string `xml:",chardata"`
}

type xmlResult struct {
	ID           string `xml:"id,attr"`
	Href         string `xml:"href,attr"`
	MimeType     string `xml:"mime-type,attr"`
	MimeTypeAlt  string `xml:"mimeType,attr"`
	Size         string `xml:"size,attr"`
	ContentInner string `xml:",chardata"`
}

type xmlErrorSummary struct {
	Type      string `xml:"type,attr"`
	HasDetail string `xml:"hasDetail,attr"`
	Message   string `xml:"message"`
}

// DecodeJob parses a UWS job document into a snapshot
func DecodeJob(data []byte) (*models.JobSummary, error) {
	var doc xmlJob
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Document: "job", Reason: "malformed XML", Err: err}
	}
	if doc.JobID == nil || strings.TrimSpace(*doc.JobID) == "" {
		return nil, &ParseError{Document: "job", Reason: "missing jobId"}
	}
	if doc.Phase == nil || strings.TrimSpace(*doc.Phase) == "" {
		return nil, &ParseError{Document: "job", Reason: "missing phase"}
	}

	job := &models.JobSummary{
		JobID:             strings.TrimSpace(*doc.JobID),
		RunID:             strings.TrimSpace(doc.RunID),
		OwnerID:           strings.TrimSpace(doc.OwnerID),
		Phase:             models.ParsePhase(*doc.Phase),
		Quote:             parseTime(doc.Quote),
		CreationTime:      parseTime(doc.CreationTime),
		StartTime:         parseTime(doc.StartTime),
		EndTime:           parseTime(doc.EndTime),
		ExecutionDuration: parseSeconds(doc.ExecutionDuration),
		Destruction:       parseTime(doc.Destruction),
		Version:           doc.Version,
	}

	for _, p := range doc.Parameters {
		job.Parameters = append(job.Parameters, models.Parameter{
			ID:          p.ID,
			Value:       strings.TrimSpace(p.Value),
			ByReference: parseBool(p.ByReference),
			IsPost:      parseBool(p.IsPost),
		})
	}

	for _, r := range doc.Results {
		res := models.Result{
			ID:       r.ID,
			Href:     strings.TrimSpace(r.Href),
			MimeType: r.MimeType,
		}
		if res.MimeType == "" {
			res.MimeType = r.MimeTypeAlt
		}
		if res.Href == "" {
			// Some services put the locator in the element body
			res.Href = strings.TrimSpace(r.ContentInner)
		}
		if size, err := strconv.ParseInt(strings.TrimSpace(r.Size), 10, 64); err == nil {
			res.Size = &size
		}
		job.Results = append(job.Results, res)
	}

	if doc.ErrorSummary != nil {
		job.ErrorSummary = &models.ErrorSummary{
			Type:      models.ParseErrorType(doc.ErrorSummary.Type),
			Message:   strings.TrimSpace(doc.ErrorSummary.Message),
			HasDetail: parseBool(doc.ErrorSummary.HasDetail),
		}
	}

	return job, nil
}

// ReadJob decodes a job document from r
func ReadJob(r io.Reader) (*models.JobSummary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &ParseError{Document: "job", Reason: "unreadable body", Err: err}
	}
	return DecodeJob(data)
}

// Encoding structs use literal prefixes so the output looks like what UWS
// services serve.

type nillable struct {
	Nil   string `xml:"xsi:nil,attr,omitempty"`
	Value string `xml:",chardata"`
}

func nillableOf(s string) nillable {
	if s == "" {
		return nillable{Nil: "true"}
	}
	return nillable{Value: s}
}

func nillableTime(t *time.Time) nillable {
	if t == nil {
		return nillable{Nil: "true"}
	}
	return nillable{Value: formatTime(*t)}
}

type outJob struct {
	XMLName           xml.Name         `xml:"uws:job"`
	NSUWS             string           `xml:"xmlns:uws,attr"`
	NSXLink           string           `xml:"xmlns:xlink,attr"`
	NSXSI             string           `xml:"xmlns:xsi,attr"`
	Version           string           `xml:"version,attr,omitempty"`
	JobID             string           `xml:"uws:jobId"`
	RunID             *string          `xml:"uws:runId,omitempty"`
	OwnerID           nillable         `xml:"uws:ownerId"`
	Phase             string           `xml:"uws:phase"`
	Quote             *nillable        `xml:"uws:quote,omitempty"`
	CreationTime      *string          `xml:"uws:creationTime,omitempty"`
	StartTime         nillable         `xml:"uws:startTime"`
	EndTime           nillable         `xml:"uws:endTime"`
	ExecutionDuration int64            `xml:"uws:executionDuration"`
	Destruction       nillable         `xml:"uws:destruction"`
	Parameters        outParameters    `xml:"uws:parameters"`
	Results           outResults       `xml:"uws:results"`
	ErrorSummary      *outErrorSummary `xml:"uws:errorSummary,omitempty"`
}

type outParameters struct {
	Items []outParameter `xml:"uws:parameter"`
}

type outParameter struct {
	ID          string `xml:"id,attr"`
	ByReference string `xml:"byReference,attr,omitempty"`
	IsPost      string `xml:"isPost,attr,omitempty"`
	Value       string `xml:",chardata"`
}

type outResults struct {
	Items []outResult `xml:"uws:result"`
}

type outResult struct {
	ID       string `xml:"id,attr"`
	Type     string `xml:"xlink:type,attr"`
	Href     string `xml:"xlink:href,attr"`
	MimeType string `xml:"mime-type,attr,omitempty"`
	Size     string `xml:"size,attr,omitempty"`
}

type outErrorSummary struct {
	Type      string `xml:"type,attr"`
	HasDetail string `xml:"hasDetail,attr"`
	Message   string `xml:"uws:message"`
}

// EncodeJob serializes a snapshot as a UWS job document
func EncodeJob(job *models.JobSummary) ([]byte, error) {
	if job.JobID == "" {
		return nil, fmt.Errorf("cannot encode job without jobId")
	}

	version := job.Version
	if version == "" {
		version = "1.1"
	}

	out := outJob{
		NSUWS:             NamespaceUWS,
		NSXLink:           NamespaceXLink,
		NSXSI:             NamespaceXSI,
		Version:           version,
		JobID:             job.JobID,
		OwnerID:           nillableOf(job.OwnerID),
		Phase:             string(job.Phase),
		StartTime:         nillableTime(job.StartTime),
		EndTime:           nillableTime(job.EndTime),
		ExecutionDuration: int64(job.ExecutionDuration / time.Second),
		Destruction:       nillableTime(job.Destruction),
	}
	if job.RunID != "" {
		out.RunID = &job.RunID
	}
	if job.Quote != nil {
		q := nillableTime(job.Quote)
		out.Quote = &q
	}
	if job.CreationTime != nil {
		ct := formatTime(*job.CreationTime)
		out.CreationTime = &ct
	}

	for _, p := range job.Parameters {
		op := outParameter{ID: p.ID, Value: p.Value}
		if p.ByReference {
			op.ByReference = "true"
		}
		if p.IsPost {
			op.IsPost = "true"
		}
		out.Parameters.Items = append(out.Parameters.Items, op)
	}

	for _, r := range job.Results {
		or := outResult{ID: r.ID, Type: "simple", Href: r.Href, MimeType: r.MimeType}
		if r.Size != nil {
			or.Size = strconv.FormatInt(*r.Size, 10)
		}
		out.Results.Items = append(out.Results.Items, or)
	}

	if job.ErrorSummary != nil {
		out.ErrorSummary = &outErrorSummary{
			Type:      string(job.ErrorSummary.Type),
			HasDetail: strconv.FormatBool(job.ErrorSummary.HasDetail),
			Message:   job.ErrorSummary.Message,
		}
	}

	return marshalDocument(out)
}

func marshalDocument(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts ISO-8601 timestamps with or without a zone; zoneless
// values are taken as UTC. Empty or unparseable values are treated as absent.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSeconds reads executionDuration; absent or invalid means unbounded
func parseSeconds(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return 0
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
