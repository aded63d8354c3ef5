package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Occurrence is one curated specimen record.
type Occurrence struct {
	ID            string `gorm:"primaryKey;size:64" json:"_id"`
	Scratch       bool   `gorm:"primaryKey;index" json:"scratch"`
	CompositeSort string `gorm:"size:128;index" json:"composite_sort"`
	ErrorFlags    string `gorm:"type:text;index" json:"errorFlags"`
	FieldNumber   string `gorm:"size:16;index" json:"fieldNumber"`

	ObservationURL string `gorm:"type:text" json:"observationUrl"`
	FirstName      string `json:"firstName"`
	LastName       string `json:"lastName"`
	Email          string `json:"email"`
	Address        string `gorm:"type:text" json:"address"`

	SampleID   string `json:"sampleId"`
	SpecimenID string `json:"specimenId"`
	Day        string `json:"day"`
	Month      string `json:"month"`
	Year       string `json:"year"`

	Country          string `json:"country"`
	StateProvince    string `json:"stateProvince"`
	County           string `json:"county"`
	Locality         string `gorm:"type:text" json:"locality"`
	Latitude         string `json:"latitude"`
	Longitude        string `json:"longitude"`
	Elevation        string `json:"elevation"`
	CollectionMethod string `json:"collectionMethod"`
	Sex              string `json:"sex"`
	AssociatedTaxa   string `gorm:"type:text" json:"associatedTaxa"`

	TaxonID string `json:"taxonId"`
	Phylum  string `json:"phylum"`
	Class   string `json:"class"`
	Order   string `gorm:"column:taxon_order" json:"order"`
	Family  string `json:"family"`
	Genus   string `json:"genus"`
	Species string `json:"species"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (Occurrence) TableName() string {
	return "occurrences"
}

// Column binds a file header to an occurrence field.
type Column struct {
	Header string
	Field  func(o *Occurrence) *string
}

// Columns lists every exported field in file order.
var Columns = []Column{
	{"Error Flags", func(o *Occurrence) *string { return &o.ErrorFlags }},
	{"Field No.", func(o *Occurrence) *string { return &o.FieldNumber }},
	{"Observation URL", func(o *Occurrence) *string { return &o.ObservationURL }},
	{"First Name", func(o *Occurrence) *string { return &o.FirstName }},
	{"Last Name", func(o *Occurrence) *string { return &o.LastName }},
	{"Email", func(o *Occurrence) *string { return &o.Email }},
	{"Address", func(o *Occurrence) *string { return &o.Address }},
	{"Sample ID", func(o *Occurrence) *string { return &o.SampleID }},
	{"Specimen ID", func(o *Occurrence) *string { return &o.SpecimenID }},
	{"Day", func(o *Occurrence) *string { return &o.Day }},
	{"Month", func(o *Occurrence) *string { return &o.Month }},
	{"Year", func(o *Occurrence) *string { return &o.Year }},
	{"Country", func(o *Occurrence) *string { return &o.Country }},
	{"State", func(o *Occurrence) *string { return &o.StateProvince }},
	{"County", func(o *Occurrence) *string { return &o.County }},
	{"Locality", func(o *Occurrence) *string { return &o.Locality }},
	{"Latitude", func(o *Occurrence) *string { return &o.Latitude }},
	{"Longitude", func(o *Occurrence) *string { return &o.Longitude }},
	{"Elevation", func(o *Occurrence) *string { return &o.Elevation }},
	{"Collection Method", func(o *Occurrence) *string { return &o.CollectionMethod }},
	{"Sex", func(o *Occurrence) *string { return &o.Sex }},
	{"Associated Taxa", func(o *Occurrence) *string { return &o.AssociatedTaxa }},
	{"Taxon ID", func(o *Occurrence) *string { return &o.TaxonID }},
	{"Phylum", func(o *Occurrence) *string { return &o.Phylum }},
	{"Class", func(o *Occurrence) *string { return &o.Class }},
	{"Order", func(o *Occurrence) *string { return &o.Order }},
	{"Family", func(o *Occurrence) *string { return &o.Family }},
	{"Genus", func(o *Occurrence) *string { return &o.Genus }},
	{"Species", func(o *Occurrence) *string { return &o.Species }},
}

// Headers returns the export header in column order.
func Headers() []string {
	headers := make([]string, len(Columns))
	for i, c := range Columns {
		headers[i] = c.Header
	}
	return headers
}

// FromRow builds an occurrence from a header-keyed row. Unknown headers are ignored.
func FromRow(row map[string]string) Occurrence {
	var o Occurrence
	for _, c := range Columns {
		if v, ok := row[c.Header]; ok {
			*c.Field(&o) = strings.TrimSpace(v)
		}
	}
	return o
}

// Row renders the occurrence as a header-keyed row.
func (o *Occurrence) Row() map[string]string {
	row := make(map[string]string, len(Columns))
	for _, c := range Columns {
		row[c.Header] = *c.Field(o)
	}
	return row
}

// SortField is one segment of the composite sort key.
type SortField struct {
	Field   func(o *Occurrence) string
	Width   int
	Numeric bool
}

// SortFields is the fixed field order of the composite sort key.
var SortFields = []SortField{
	{Field: func(o *Occurrence) string { return o.LastName }, Width: 24},
	{Field: func(o *Occurrence) string { return o.FirstName }, Width: 24},
	{Field: func(o *Occurrence) string { return o.Year }, Width: 4, Numeric: true},
	{Field: func(o *Occurrence) string { return o.Month }, Width: 2, Numeric: true},
	{Field: func(o *Occurrence) string { return o.Day }, Width: 2, Numeric: true},
	{Field: func(o *Occurrence) string { return o.SampleID }, Width: 20, Numeric: true},
	{Field: func(o *Occurrence) string { return o.SpecimenID }, Width: 20, Numeric: true},
}

// SortKey builds the composite sort key. Each segment starts with a presence byte, '0'
// for a value and '1' for a missing or unparseable one, so blanks sort after every value.
func (o *Occurrence) SortKey() string {
	var b strings.Builder
	for _, f := range SortFields {
		b.WriteString(encodeSortSegment(f.Field(o), f.Width, f.Numeric))
	}
	return b.String()
}

func encodeSortSegment(value string, width int, numeric bool) string {
	missing := "1" + strings.Repeat(" ", width)
	value = strings.TrimSpace(value)
	if value == "" {
		return missing
	}

	if numeric {
		n, err := strconv.ParseUint(value, 10, 64)
		s := strconv.FormatUint(n, 10)
		if err != nil || len(s) > width {
			return missing
		}
		return "0" + strings.Repeat("0", width-len(s)) + s
	}

	value = strings.ToLower(value)
	if len(value) > width {
		value = strings.ToValidUTF8(value[:width], "")
	}
	return "0" + value + strings.Repeat(" ", width-len(value))
}

// Identity hashes the key-field tuple. Re-importing the same logical record always
// yields the same id.
func (o *Occurrence) Identity() string {
	parts := []string{o.SampleID, o.SpecimenID, o.Day, o.Month, o.Year}
	if o.ObservationURL != "" {
		parts = append(parts, o.ObservationURL)
	} else {
		parts = append(parts, o.FirstName, o.LastName)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

var requiredFields = []struct {
	name  string
	value func(o *Occurrence) string
}{
	{"First Name", func(o *Occurrence) string { return o.FirstName }},
	{"Last Name", func(o *Occurrence) string { return o.LastName }},
	{"Sample ID", func(o *Occurrence) string { return o.SampleID }},
	{"Specimen ID", func(o *Occurrence) string { return o.SpecimenID }},
	{"Day", func(o *Occurrence) string { return o.Day }},
	{"Month", func(o *Occurrence) string { return o.Month }},
	{"Year", func(o *Occurrence) string { return o.Year }},
	{"Country", func(o *Occurrence) string { return o.Country }},
	{"State", func(o *Occurrence) string { return o.StateProvince }},
	{"Latitude", func(o *Occurrence) string { return o.Latitude }},
	{"Longitude", func(o *Occurrence) string { return o.Longitude }},
}

// Validate returns the names of missing or invalid fields.
func (o *Occurrence) Validate() []string {
	flagged := make(map[string]bool)
	var flags []string
	flag := func(name string) {
		if !flagged[name] {
			flagged[name] = true
			flags = append(flags, name)
		}
	}

	for _, f := range requiredFields {
		if strings.TrimSpace(f.value(o)) == "" {
			flag(f.name)
		}
	}

	if o.SampleID != "" && !isPositiveInt(o.SampleID) {
		flag("Sample ID")
	}
	if o.SpecimenID != "" && !isPositiveInt(o.SpecimenID) {
		flag("Specimen ID")
	}

	year, yearErr := strconv.Atoi(o.Year)
	month, monthErr := strconv.Atoi(o.Month)
	day, dayErr := strconv.Atoi(o.Day)
	if o.Year != "" && (yearErr != nil || year < 1000 || year > 9999) {
		flag("Year")
	}
	if o.Month != "" && (monthErr != nil || month < 1 || month > 12) {
		flag("Month")
	}
	if o.Day != "" && dayErr != nil {
		flag("Day")
	}
	if yearErr == nil && monthErr == nil && dayErr == nil && month >= 1 && month <= 12 {
		// time.Date normalizes out-of-range days, so a round trip exposes them
		d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		if d.Day() != day || int(d.Month()) != month {
			flag("Day")
		}
	}

	if o.Latitude != "" {
		if lat, err := strconv.ParseFloat(o.Latitude, 64); err != nil || lat < -90 || lat > 90 {
			flag("Latitude")
		}
	}
	if o.Longitude != "" {
		if lon, err := strconv.ParseFloat(o.Longitude, 64); err != nil || lon < -180 || lon > 180 {
			flag("Longitude")
		}
	}

	return flags
}

// Prepare recomputes the derived fields. Every write goes through it.
func (o *Occurrence) Prepare() {
	o.ID = o.Identity()
	o.CompositeSort = o.SortKey()
	o.ErrorFlags = strings.Join(o.Validate(), ";")
}

// Printable reports whether the record may appear on labels and reports.
func (o *Occurrence) Printable() bool {
	return o.ErrorFlags == "" && o.FieldNumber != ""
}

func isPositiveInt(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0
}
