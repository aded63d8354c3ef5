// Package elevation resolves coordinates to elevations from 1-degree raster tiles.
package elevation

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"
)

// NoData is the sentinel pixel value for voids in the tiles.
const NoData = -32768

// Tile identifies a 1-degree tile by the absolute value of its truncated degrees and
// its hemispheres. A tile spans one degree away from zero on each axis, so -0.5 and 0.5
// fall into different tiles.
type Tile struct {
	Lat   int
	Lon   int
	South bool
	West  bool
}

// TileFor returns the tile containing the coordinate.
func TileFor(lat, lon float64) Tile {
	return locate(lat, lon).tile
}

// Name is the tile's file name, e.g. n45w123.tif.
func (t Tile) Name() string {
	ns, ew := "n", "e"
	if t.South {
		ns = "s"
	}
	if t.West {
		ew = "w"
	}
	return fmt.Sprintf("%s%02d%s%03d.tif", ns, t.Lat, ew, t.Lon)
}

type located struct {
	tile     Tile
	latFrac  float64
	lonFrac  float64
	original string
}

func locate(lat, lon float64) located {
	tl := math.Trunc(lat)
	tn := math.Trunc(lon)
	return located{
		tile: Tile{
			Lat:   int(math.Abs(tl)),
			Lon:   int(math.Abs(tn)),
			South: lat < 0,
			West:  lon < 0,
		},
		latFrac: math.Abs(lat - tl),
		lonFrac: math.Abs(lon - tn),
	}
}

// pixel maps the fractional offsets to a (row, column) pair, with rows counted from the
// tile's north edge and columns from its west edge.
func (l located) pixel(width, height int) (row, col int) {
	northOffset := l.latFrac
	if !l.tile.South {
		northOffset = 1 - l.latFrac
	}
	westOffset := l.lonFrac
	if l.tile.West {
		westOffset = 1 - l.lonFrac
	}
	row = clamp(int(math.Floor(northOffset*float64(height))), height-1)
	col = clamp(int(math.Floor(westOffset*float64(width))), width-1)
	return row, col
}

// Lookup reads tiles from a directory.
type Lookup struct {
	dir  string
	open func(path string) (io.ReadCloser, error)
}

// New creates a lookup over the tiles in dir.
func New(dir string) *Lookup {
	return &Lookup{
		dir: dir,
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
}

// Elevation returns the elevation at the coordinate in meters, or "" when it cannot be
// resolved.
func (l *Lookup) Elevation(lat, lon float64) string {
	key := FormatCoordinate(lat, lon)
	return l.Elevations([]string{key}, nil)[key]
}

// Elevations resolves a batch of "lat,lon" coordinates. Coordinates are grouped by tile
// and every tile is opened at most once. onProgress is called once per tile.
func (l *Lookup) Elevations(coordinates []string, onProgress func(done, total int)) map[string]string {
	result := make(map[string]string, len(coordinates))
	groups := make(map[Tile][]located)

	for _, c := range coordinates {
		result[c] = ""
		lat, lon, ok := ParseCoordinate(c)
		if !ok {
			continue
		}
		loc := locate(lat, lon)
		loc.original = c
		groups[loc.tile] = append(groups[loc.tile], loc)
	}

	tiles := make([]Tile, 0, len(groups))
	for t := range groups {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		return tiles[i].Name() < tiles[j].Name()
	})

	for i, t := range tiles {
		img := l.readTile(t)
		if img != nil {
			bounds := img.Bounds()
			for _, loc := range groups[t] {
				row, col := loc.pixel(bounds.Dx(), bounds.Dy())
				result[loc.original] = sample(img, bounds.Min.X+col, bounds.Min.Y+row)
			}
		}
		if onProgress != nil {
			onProgress(i+1, len(tiles))
		}
	}

	return result
}

func (l *Lookup) readTile(t Tile) image.Image {
	f, err := l.open(filepath.Join(l.dir, t.Name()))
	if err != nil {
		return nil
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil
	}
	return img
}

func sample(img image.Image, x, y int) string {
	var v int
	switch m := img.(type) {
	case *image.Gray16:
		// tiles store signed 16-bit samples
		v = int(int16(m.Gray16At(x, y).Y))
	case *image.Gray:
		v = int(m.GrayAt(x, y).Y)
	default:
		v = int(int16(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y))
	}
	if v == NoData {
		return ""
	}
	return strconv.Itoa(v)
}

// FormatCoordinate renders a coordinate the way DistinctCoordinates keys it.
func FormatCoordinate(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}

// ParseCoordinate parses "lat,lon" and rejects values outside the globe.
func ParseCoordinate(s string) (lat, lon float64, ok bool) {
	latStr, lonStr, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, false
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil || lat < -90 || lat > 90 {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

func clamp(n, limit int) int {
	if n < 0 {
		return 0
	}
	if n > limit {
		return limit
	}
	return n
}
