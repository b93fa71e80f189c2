package normalize

import (
	"strconv"
	"strings"

	"github.com/kjstillabower/relieflink-refdata/internal/models"
	"github.com/kjstillabower/relieflink-refdata/internal/source"
)

// Profile selects how records of one resource become sites.
type Profile struct {
	Resource    string
	Category    models.Category // fixed category; empty derives it per record
	DefaultName string
	Provenance  models.Provenance
	Fields      models.FieldMapping
}

var (
	Shelters = Profile{
		Resource:    "shelters",
		Category:    models.CategoryShelter,
		DefaultName: "Shelter",
		Provenance:  models.ProvenanceOfficial,
	}
	Food = Profile{
		Resource:    "food",
		DefaultName: "Food/Supply",
		Provenance:  models.ProvenanceOfficial,
	}
)

// WithFields returns a copy of p using the given attribute hints.
func (p Profile) WithFields(f models.FieldMapping) Profile {
	p.Fields = f
	return p
}

// WithProvenance returns a copy of p with a different default provenance.
// An empty value keeps the current one.
func (p Profile) WithProvenance(pr models.Provenance) Profile {
	if pr != "" {
		p.Provenance = pr
	}
	return p
}

var (
	idCandidates      = []string{"ObjectID", "OBJECTID", "FID", "id"}
	nameCandidates    = []string{"Name", "FacilityName", "SiteName", "Title"}
	statusCandidates  = []string{"Status", "Status_1", "Open"}
	updatedCandidates = []string{"Updated", "LastUpdate", "last_updated", "EditDate"}
)

// Sites maps records to reference sites. dropped is always len(records)-len(sites).
func Sites(records []source.Record, p Profile) (sites []models.ReferenceSite, dropped int) {
	sites = make([]models.ReferenceSite, 0, len(records))
	for i, rec := range records {
		site, ok := toSite(rec, i, p)
		if !ok {
			dropped++
			continue
		}
		sites = append(sites, site)
	}
	return sites, dropped
}

func toSite(rec source.Record, index int, p Profile) (models.ReferenceSite, bool) {
	f := newFieldIndex(rec.Attributes)
	lat, lng, ok := coordinate(rec, f, p.Fields)
	if !ok {
		return models.ReferenceSite{}, false
	}

	s := models.ReferenceSite{
		ID:          f.str(append([]string{p.Fields.ID}, idCandidates...)...),
		Name:        f.str(append([]string{p.Fields.Name}, nameCandidates...)...),
		Lat:         lat,
		Lng:         lng,
		Status:      f.str(append([]string{p.Fields.Status}, statusCandidates...)...),
		Notes:       f.str("Notes"),
		Needs:       f.str("Needs"),
		Address:     f.str("Address", "FullAddress", "Location"),
		Website:     f.str("Website", "URL", "Link"),
		LastUpdated: f.time(append([]string{p.Fields.Updated}, updatedCandidates...)...),
	}
	if v, ok := f.lookup("Capacity", "Beds"); ok {
		s.Capacity = toInt(v)
	}

	// Headerless pantry rows: name, address, website, ..., lat, lng.
	if rec.Kind == source.KindCSVRow && len(rec.Attributes) == 0 {
		s.Name = cell(rec.Row, 0)
		s.Address = cell(rec.Row, 1)
		s.Website = cell(rec.Row, 2)
	}

	s.Category = p.Category
	if s.Category == "" {
		s.Category = foodCategory(f.str(append([]string{p.Fields.Category}, "Kind", "Type", "Category")...))
	}
	s.Provenance = provenance(f.str("Source", "Provenance", "Type"), p.Provenance)

	if s.Name == "" {
		s.Name = p.DefaultName
	}
	if s.ID == "" {
		s.ID = p.Resource + "-" + strconv.Itoa(index)
	}
	return s, true
}

func foodCategory(v string) models.Category {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "dropoff", "drop_off", "drop-off", "donation":
		return models.CategoryDropOff
	}
	return models.CategoryFreeFood
}

func provenance(v string, fallback models.Provenance) models.Provenance {
	if strings.EqualFold(strings.TrimSpace(v), string(models.ProvenanceCommunity)) {
		return models.ProvenanceCommunity
	}
	if fallback == "" {
		return models.ProvenanceOfficial
	}
	return fallback
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
