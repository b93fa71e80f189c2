package normalize

import (
	"sort"
	"strconv"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

// MaxIncidents caps every incident feed response.
const MaxIncidents = 100

var (
	incidentCategoryCandidates = []string{"CaseType", "Category", "Title", "Type", "Status"}
	incidentTimeCandidates     = []string{"CreatedDate", "created_date", "Created", "CreateDate", "Timestamp", "Date", "OpenDate"}
	incidentIDCandidates       = []string{"CaseNumber", "case_number", "ServiceRequestID", "ObjectID", "OBJECTID", "FID", "id"}
)

// Incidents maps records to incidents. Output keeps input order; see Latest.
func Incidents(records []source.Record, hints models.FieldMapping) (incidents []models.Incident, dropped int) {
	incidents = make([]models.Incident, 0, len(records))
	for i, rec := range records {
		f := newFieldIndex(rec.Attributes)
		lat, lng, ok := coordinate(rec, f, hints)
		if !ok {
			dropped++
			continue
		}
		inc := models.Incident{
			ID:          f.str(append([]string{hints.ID}, incidentIDCandidates...)...),
			Category:    f.str(append([]string{hints.Category}, incidentCategoryCandidates...)...),
			Status:      f.str(hints.Status, "Status", "CaseStatus"),
			Description: f.str("Description", "Details", "Comments"),
			Address:     f.str("Address", "StreetAddress", "IncidentAddress", "Location"),
			Lat:         lat,
			Lng:         lng,
			Timestamp:   f.time(append([]string{hints.Updated}, incidentTimeCandidates...)...),
		}
		if inc.Category == "" {
			inc.Category = "311"
		}
		if inc.ID == "" {
			inc.ID = "311-" + strconv.Itoa(i)
		}
		incidents = append(incidents, inc)
	}
	return incidents, dropped
}

// Latest sorts newest first and keeps at most n (MaxIncidents when n <= 0 or larger).
// Undated incidents sort last; ties break by ID. The input slice is not modified.
func Latest(incidents []models.Incident, n int) []models.Incident {
	if n <= 0 || n > MaxIncidents {
		n = MaxIncidents
	}
	out := make([]models.Incident, len(incidents))
	copy(out, incidents)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Timestamp, out[j].Timestamp
		switch {
		case a.IsZero() != b.IsZero():
			return b.IsZero()
		case !a.Equal(b):
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
