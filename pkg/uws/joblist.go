package uws

import (
	"encoding/xml"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/psantana5/uws-client/pkg/models"
)

type xmlJobList struct {
	XMLName xml.Name    `xml:"jobs"`
	Version string      `xml:"version,attr"`
	Refs    []xmlJobRef `xml:"jobref"`
}

type xmlJobRef struct {
	ID           string  `xml:"id,attr"`
	Href         string  `xml:"href,attr"`
	Phase        *string `xml:"phase"`
	RunID        string  `xml:"runId"`
	OwnerID      string  `xml:"ownerId"`
	CreationTime string  `xml:"creationTime"`
}

// DecodeJobList parses a UWS job-list document. Relative hrefs are resolved
// against base; entries without an href get base/jobId. Entries are left
// partial: nothing beyond what the list reports is fetched.
func DecodeJobList(data []byte, base string) (*models.JobList, error) {
	var doc xmlJobList
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Document: "job list", Reason: "malformed XML", Err: err}
	}

	baseURL, _ := url.Parse(base)
	list := &models.JobList{Jobs: make([]models.JobRef, 0, len(doc.Refs)), Version: doc.Version}

	for i, r := range doc.Refs {
		ref := models.JobRef{
			JobID:        strings.TrimSpace(r.ID),
			Href:         strings.TrimSpace(r.Href),
			RunID:        strings.TrimSpace(r.RunID),
			OwnerID:      strings.TrimSpace(r.OwnerID),
			CreationTime: parseTime(r.CreationTime),
		}
		if r.Phase != nil && strings.TrimSpace(*r.Phase) != "" {
			ref.Phase = models.ParsePhase(*r.Phase)
		}

		if ref.JobID == "" && ref.Href != "" {
			ref.JobID = path.Base(strings.TrimRight(ref.Href, "/"))
		}
		if ref.JobID == "" {
			return nil, &ParseError{Document: "job list", Reason: "jobref without id or href at position " + strconv.Itoa(i)}
		}

		ref.Href = resolveHref(baseURL, base, ref.Href, ref.JobID)
		list.Jobs = append(list.Jobs, ref)
	}

	return list, nil
}

func resolveHref(baseURL *url.URL, base, href, jobID string) string {
	if href == "" {
		return joinURL(base, url.PathEscape(jobID))
	}
	if baseURL == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if ref.IsAbs() {
		return href
	}
	// Resolve as a child of the list endpoint, not as a sibling
	dir := *baseURL
	if !strings.HasSuffix(dir.Path, "/") {
		dir.Path += "/"
	}
	return dir.ResolveReference(ref).String()
}

type outJobList struct {
	XMLName xml.Name    `xml:"uws:jobs"`
	NSUWS   string      `xml:"xmlns:uws,attr"`
	NSXLink string      `xml:"xmlns:xlink,attr"`
	NSXSI   string      `xml:"xmlns:xsi,attr"`
	Version string      `xml:"version,attr,omitempty"`
	Refs    []outJobRef `xml:"uws:jobref"`
}

type outJobRef struct {
	ID           string   `xml:"id,attr"`
	Type         string   `xml:"xlink:type,attr"`
	Href         string   `xml:"xlink:href,attr,omitempty"`
	Phase        string   `xml:"uws:phase,omitempty"`
	RunID        string   `xml:"uws:runId,omitempty"`
	OwnerID      nillable `xml:"uws:ownerId"`
	CreationTime string   `xml:"uws:creationTime,omitempty"`
}

// EncodeJobList serializes a job list document
func EncodeJobList(list *models.JobList) ([]byte, error) {
	version := list.Version
	if version == "" {
		version = "1.1"
	}
	out := outJobList{
		NSUWS:   NamespaceUWS,
		NSXLink: NamespaceXLink,
		NSXSI:   NamespaceXSI,
		Version: version,
	}
	for _, ref := range list.Jobs {
		or := outJobRef{
			ID:      ref.JobID,
			Type:    "simple",
			Href:    ref.Href,
			Phase:   string(ref.Phase),
			RunID:   ref.RunID,
			OwnerID: nillableOf(ref.OwnerID),
		}
		if ref.CreationTime != nil {
			or.CreationTime = formatTime(*ref.CreationTime)
		}
		out.Refs = append(out.Refs, or)
	}
	return marshalDocument(out)
}
