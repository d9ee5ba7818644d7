package uws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/uws-client/pkg/models"
)

func TestDecodeJobList(t *testing.T) {
	doc := `<?xml version="1.0"?>
<uws:jobs xmlns:uws="http://www.ivoa.net/xml/UWS/v1.0" xmlns:xlink="http://www.w3.org/1999/xlink" version="1.1">
  <uws:jobref id="j1" xlink:href="https://svc/tap/async/j1">
    <uws:phase>EXECUTING</uws:phase>
    <uws:runId>r1</uws:runId>
    <uws:creationTime>2024-03-01T10:00:00Z</uws:creationTime>
  </uws:jobref>
  <uws:jobref id="j2" xlink:href="j2"/>
  <uws:jobref id="j3"/>
  <uws:jobref xlink:href="https://svc/tap/async/j4/"><uws:phase>FROZEN</uws:phase></uws:jobref>
</uws:jobs>`

	list, err := DecodeJobList([]byte(doc), "https://svc/tap/async")
	require.NoError(t, err)
	require.Equal(t, 4, list.Len())
	assert.Equal(t, "1.1", list.Version)

	j1 := list.Jobs[0]
	assert.Equal(t, "j1", j1.JobID)
	assert.Equal(t, "https://svc/tap/async/j1", j1.Href)
	assert.Equal(t, models.PhaseExecuting, j1.Phase)
	assert.Equal(t, "r1", j1.RunID)
	require.NotNil(t, j1.CreationTime)

	assert.Equal(t, "https://svc/tap/async/j2", list.Jobs[1].Href, "relative hrefs resolve under the list")
	assert.Equal(t, models.JobPhase(""), list.Jobs[1].Phase, "phase left unreported")
	assert.Equal(t, "https://svc/tap/async/j3", list.Jobs[2].Href)

	assert.Equal(t, "j4", list.Jobs[3].JobID, "id taken from href")
	assert.Equal(t, models.PhaseUnknown, list.Jobs[3].Phase)

	executing := list.Filter(models.NewPhaseSet(models.PhaseExecuting))
	require.Len(t, executing, 1)
	assert.Equal(t, "j1", executing[0].JobID)
}

func TestDecodeJobListEmpty(t *testing.T) {
	list, err := DecodeJobList([]byte(`<jobs/>`), "https://svc/async")
	require.NoError(t, err)
	assert.Equal(t, 0, list.Len())
}

func TestDecodeJobListRejectsAnonymousRef(t *testing.T) {
	_, err := DecodeJobList([]byte(`<jobs><jobref/></jobs>`), "https://svc/async")
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "job list", pe.Document)

	_, err = DecodeJobList([]byte(`<jobs><jobref`), "https://svc/async")
	require.ErrorAs(t, err, &pe)
}

func TestEncodeJobListDecodes(t *testing.T) {
	in := &models.JobList{Jobs: []models.JobRef{
		{JobID: "a", Href: "https://svc/async/a", Phase: models.PhaseQueued},
		{JobID: "b", Href: "https://svc/async/b"},
	}}

	data, err := EncodeJobList(in)
	require.NoError(t, err)

	out, err := DecodeJobList(data, "https://svc/async")
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, models.PhaseQueued, out.Jobs[0].Phase)
	assert.Equal(t, "https://svc/async/b", out.Jobs[1].Href)
	assert.Equal(t, "1.1", out.Version)
}
