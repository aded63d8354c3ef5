package elevation

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"
)

// writeTile stores a 4x4 tile whose pixel at (row, col) holds row*10+col.
func writeTile(t *testing.T, dir, name string, override map[[2]int]int16) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 4, 4))
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			v := int16(row*10 + col)
			if o, ok := override[[2]int{row, col}]; ok {
				v = o
			}
			img.SetGray16(col, row, color.Gray16{Y: uint16(v)})
		}
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("create tile: %v", err)
	}
	defer f.Close()
	if err := tiff.Encode(f, img, nil); err != nil {
		t.Fatalf("encode tile: %v", err)
	}
}

func countingLookup(dir string, opens map[string]int) *Lookup {
	l := New(dir)
	l.open = func(path string) (io.ReadCloser, error) {
		opens[filepath.Base(path)]++
		return os.Open(path)
	}
	return l
}

func TestTileNames(t *testing.T) {
	cases := []struct {
		lat, lon float64
		want     string
	}{
		{45.5, -123.2, "n45w123.tif"},
		{-12.4, 130.9, "s12e130.tif"},
		{0.5, 7.1, "n00e007.tif"},
		{-0.5, -0.5, "s00w000.tif"},
	}
	for _, c := range cases {
		if got := TileFor(c.lat, c.lon).Name(); got != c.want {
			t.Errorf("TileFor(%v, %v) = %s, want %s", c.lat, c.lon, got, c.want)
		}
	}
}

func TestPixelMapping(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "n45w123.tif", nil)
	l := New(dir)

	cases := []struct {
		lat, lon float64
		want     string
	}{
		{45.9, -123.9, "0"},  // north-west corner
		{45.1, -123.1, "33"}, // south-east corner
		{45.9, -123.1, "3"},
		{45.1, -123.9, "30"},
		{45.0, -123.0, "33"}, // edges clamp into the tile
	}
	for _, c := range cases {
		if got := l.Elevation(c.lat, c.lon); got != c.want {
			t.Errorf("Elevation(%v, %v) = %q, want %q", c.lat, c.lon, got, c.want)
		}
	}
}

func TestSouthernEasternPixelMapping(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "s12e130.tif", nil)
	l := New(dir)

	// north edge of a southern tile is the truncated degree
	if got := l.Elevation(-12.1, 130.1); got != "0" {
		t.Fatalf("got %q, want 0", got)
	}
	if got := l.Elevation(-12.9, 130.9); got != "33" {
		t.Fatalf("got %q, want 33", got)
	}
}

func TestTileOpenedOncePerBatch(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "n45w123.tif", nil)
	writeTile(t, dir, "n44w122.tif", nil)

	opens := make(map[string]int)
	l := countingLookup(dir, opens)

	coords := []string{"45.9,-123.9", "44.5,-122.5", "45.1,-123.1", "44.2,-122.2", "45.5,-123.5"}
	var progress [][2]int
	result := l.Elevations(coords, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})

	if opens["n45w123.tif"] != 1 || opens["n44w122.tif"] != 1 {
		t.Fatalf("tile opens = %v, want one per tile", opens)
	}
	if len(progress) != 2 || progress[1] != [2]int{2, 2} {
		t.Fatalf("progress = %v, want one report per tile", progress)
	}
	if result["45.9,-123.9"] != "0" || result["45.1,-123.1"] != "33" {
		t.Fatalf("result = %v", result)
	}
	if len(result) != len(coords) {
		t.Fatalf("result has %d entries, want %d", len(result), len(coords))
	}
}

func TestMissingTileAndNoData(t *testing.T) {
	dir := t.TempDir()
	writeTile(t, dir, "n45w123.tif", map[[2]int]int16{{1, 1}: NoData, {2, 2}: -5})
	l := New(dir)

	if got := l.Elevation(10.5, 10.5); got != "" {
		t.Fatalf("missing tile: got %q, want empty", got)
	}
	if got := l.Elevation(45.6, -123.6); got != "" {
		t.Fatalf("no-data pixel: got %q, want empty", got)
	}
	if got := l.Elevation(45.4, -123.4); got != "-5" {
		t.Fatalf("negative elevation: got %q, want -5", got)
	}
}

func TestUnreadableTileAndBadCoordinates(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "n45w123.tif"), []byte("not a tiff"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	l := New(dir)

	result := l.Elevations([]string{"45.5,-123.5", "garbage", "95,10"}, nil)
	for k, v := range result {
		if v != "" {
			t.Fatalf("%s resolved to %q, want empty", k, v)
		}
	}
	if len(result) != 3 {
		t.Fatalf("result = %v", result)
	}
}
