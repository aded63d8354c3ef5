package reports

import (
	"sort"
	"strconv"
	"strings"

	"specimen-curator/app/model"
	"specimen-curator/app/utils/csvstream"
)

const pageSize = 500

var (
	AddressHeader = []string{"First Name", "Last Name", "Address", "Specimens"}
	EmailHeader   = []string{"First Name", "Last Name", "Email", "Specimens"}
)

type contact struct {
	first, last, value string
	count              int
}

// CompileAddresses writes one row per distinct collector mailing address, with the
// number of printable specimens sent there.
func CompileAddresses(occurrences []model.Occurrence, path string, onProgress func(done, total int)) (int, error) {
	rows := compile(occurrences, func(o *model.Occurrence) string { return o.Address }, "Address", onProgress)
	return csvstream.WriteRowsStreaming(path, AddressHeader, csvstream.SlicePages(rows, pageSize))
}

// CompileEmails writes one row per distinct collector email.
func CompileEmails(occurrences []model.Occurrence, path string, onProgress func(done, total int)) (int, error) {
	rows := compile(occurrences, func(o *model.Occurrence) string { return strings.ToLower(o.Email) }, "Email", onProgress)
	return csvstream.WriteRowsStreaming(path, EmailHeader, csvstream.SlicePages(rows, pageSize))
}

func compile(occurrences []model.Occurrence, value func(o *model.Occurrence) string, column string, onProgress func(done, total int)) []csvstream.Row {
	byKey := make(map[string]*contact)
	var order []string

	for i := range occurrences {
		o := &occurrences[i]
		v := strings.TrimSpace(value(o))
		if v == "" {
			continue
		}
		key := strings.ToLower(o.FirstName + "\x1f" + o.LastName + "\x1f" + v)
		c, ok := byKey[key]
		if !ok {
			c = &contact{first: o.FirstName, last: o.LastName, value: v}
			byKey[key] = c
			order = append(order, key)
		}
		c.count++
		if onProgress != nil {
			onProgress(i+1, len(occurrences))
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		a, b := byKey[order[i]], byKey[order[j]]
		if !strings.EqualFold(a.last, b.last) {
			return strings.ToLower(a.last) < strings.ToLower(b.last)
		}
		return strings.ToLower(a.first) < strings.ToLower(b.first)
	})

	rows := make([]csvstream.Row, len(order))
	for i, k := range order {
		c := byKey[k]
		rows[i] = csvstream.Row{
			"First Name": c.first,
			"Last Name":  c.last,
			column:       c.value,
			"Specimens":  strconv.Itoa(c.count),
		}
	}
	return rows
}

// WritePivot writes specimen counts per species (rows) and county (columns).
func WritePivot(occurrences []model.Occurrence, path string) (int, error) {
	counts := make(map[string]map[string]int)
	counties := make(map[string]bool)

	for i := range occurrences {
		o := &occurrences[i]
		species := o.Species
		if species == "" {
			species = strings.TrimSpace(o.Genus + " sp.")
		}
		county := o.County
		if county == "" {
			county = "Unknown"
		}
		if counts[species] == nil {
			counts[species] = make(map[string]int)
		}
		counts[species][county]++
		counties[county] = true
	}

	columns := make([]string, 0, len(counties))
	for c := range counties {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	header := append([]string{"Species"}, columns...)
	header = append(header, "Total")

	speciesNames := make([]string, 0, len(counts))
	for s := range counts {
		speciesNames = append(speciesNames, s)
	}
	sort.Strings(speciesNames)

	rows := make([]csvstream.Row, 0, len(speciesNames))
	for _, s := range speciesNames {
		row := csvstream.Row{"Species": s}
		total := 0
		for _, c := range columns {
			n := counts[s][c]
			total += n
			if n > 0 {
				row[c] = strconv.Itoa(n)
			}
		}
		row["Total"] = strconv.Itoa(total)
		rows = append(rows, row)
	}

	return csvstream.WriteRowsStreaming(path, header, csvstream.SlicePages(rows, pageSize))
}
