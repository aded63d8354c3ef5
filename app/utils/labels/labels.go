package labels

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"specimen-curator/app/model"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Label is the printable text of one specimen.
type Label struct {
	FieldNumber string
	Lines       []string
}

// Layout sizes one sheet of labels, in pixels.
type Layout struct {
	Columns     int
	Rows        int
	LabelWidth  int
	LabelHeight int
	Margin      int
}

var DefaultLayout = Layout{Columns: 4, Rows: 10, LabelWidth: 300, LabelHeight: 110, Margin: 20}

var months = []string{"", "i", "ii", "iii", "iv", "v", "vi", "vii", "viii", "ix", "x", "xi", "xii"}

// FromOccurrence formats the locality and collection lines of a specimen label.
func FromOccurrence(o model.Occurrence) Label {
	var lines []string

	place := joinNonEmpty(": ", strings.ToUpper(o.Country), o.StateProvince, countyName(o.County))
	lines = append(lines, place)
	if o.Locality != "" {
		lines = append(lines, o.Locality)
	}

	coords := joinNonEmpty(", ", o.Latitude, o.Longitude)
	if o.Elevation != "" {
		coords = joinNonEmpty(", ", coords, o.Elevation+"m")
	}
	lines = append(lines, coords)

	date := o.Day + "." + romanMonth(o.Month) + "." + o.Year
	lines = append(lines, joinNonEmpty(" ", date, strings.TrimSpace("Coll. "+o.FirstName+" "+o.LastName)))

	if o.CollectionMethod != "" || o.AssociatedTaxa != "" {
		lines = append(lines, joinNonEmpty("; ", o.CollectionMethod, o.AssociatedTaxa))
	}

	return Label{FieldNumber: o.FieldNumber, Lines: lines}
}

// Renderer draws labels onto PNG sheets.
type Renderer struct {
	layout Layout
}

func NewRenderer(layout Layout) *Renderer {
	if layout.Columns <= 0 || layout.Rows <= 0 || layout.LabelWidth <= 0 || layout.LabelHeight <= 0 {
		layout = DefaultLayout
	}
	return &Renderer{layout: layout}
}

// Render writes one sheet per page of labels into dir and returns the file paths.
// Progress is reported once per finished sheet.
func (r *Renderer) Render(labels []Label, dir, prefix string, onProgress func(done, total int)) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	perSheet := r.layout.Columns * r.layout.Rows
	sheets := (len(labels) + perSheet - 1) / perSheet
	if sheets == 0 {
		sheets = 1
	}

	var paths []string
	for s := 0; s < sheets; s++ {
		start := s * perSheet
		end := min(start+perSheet, len(labels))

		sheet := r.sheet(labels[start:end])
		path := filepath.Join(dir, fmt.Sprintf("%s_labels_%03d.png", prefix, s+1))
		if err := imaging.Save(sheet, path); err != nil {
			return paths, fmt.Errorf("save label sheet: %w", err)
		}
		paths = append(paths, path)

		if onProgress != nil {
			onProgress(s+1, sheets)
		}
	}
	return paths, nil
}

func (r *Renderer) sheet(labels []Label) *image.NRGBA {
	l := r.layout
	width := l.Margin*2 + l.Columns*l.LabelWidth
	height := l.Margin*2 + l.Rows*l.LabelHeight
	sheet := imaging.New(width, height, color.White)

	for i, lb := range labels {
		col := i % l.Columns
		row := i / l.Columns
		at := image.Pt(l.Margin+col*l.LabelWidth, l.Margin+row*l.LabelHeight)
		sheet = imaging.Paste(sheet, r.draw(lb), at)
	}
	return sheet
}

func (r *Renderer) draw(lb Label) image.Image {
	dc := gg.NewContext(r.layout.LabelWidth, r.layout.LabelHeight)
	dc.SetColor(color.White)
	dc.Clear()

	dc.SetColor(color.Black)
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, float64(r.layout.LabelWidth-1), float64(r.layout.LabelHeight-1))
	dc.Stroke()

	dc.SetFontFace(basicfont.Face7x13)
	y := 16.0
	maxWidth := float64(r.layout.LabelWidth - 12)
	for _, line := range lb.Lines {
		for _, wrapped := range dc.WordWrap(line, maxWidth) {
			if y > float64(r.layout.LabelHeight-16) {
				break
			}
			dc.DrawString(wrapped, 6, y)
			y += 14
		}
	}
	if lb.FieldNumber != "" {
		dc.DrawStringAnchored(lb.FieldNumber, float64(r.layout.LabelWidth-6), float64(r.layout.LabelHeight-6), 1, 0)
	}
	return dc.Image()
}

func romanMonth(month string) string {
	var m int
	if _, err := fmt.Sscan(month, &m); err != nil || m < 1 || m > 12 {
		return month
	}
	return months[m]
}

func countyName(county string) string {
	if county == "" || strings.HasSuffix(county, " Co.") {
		return county
	}
	return county + " Co."
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
