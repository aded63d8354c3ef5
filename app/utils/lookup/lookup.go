package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"specimen-curator/app/config"
	"specimen-curator/app/logger"
	"specimen-curator/app/utils/inat"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"
)

// Place admin levels used by the observation API.
const (
	AdminCountry = 0
	AdminState   = 10
	AdminCounty  = 20
)

// Fetcher loads records the local files do not know yet.
type Fetcher interface {
	FetchPlaces(ctx context.Context, ids []int64) ([]inat.Place, error)
	FetchTaxa(ctx context.Context, ids []int64) ([]inat.Taxon, error)
}

type PlaceNames struct {
	Country       string
	StateProvince string
	County        string
}

type Ancestry struct {
	Phylum  string
	Class   string
	Order   string
	Family  string
	Genus   string
	Species string
}

// Cache resolves place and taxon ids from JSON lookup files held in memory. Unknown ids
// are fetched lazily and written back to the files.
type Cache struct {
	places     *cache.Cache
	taxa       *cache.Cache
	placesFile string
	taxaFile   string
	fetcher    Fetcher
	log        *logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg config.LookupConfig, fetcher Fetcher, log *logger.Logger) (*Cache, error) {
	c := &Cache{
		places:     cache.New(cache.NoExpiration, 0),
		taxa:       cache.New(cache.NoExpiration, 0),
		placesFile: cfg.PlacesFile,
		taxaFile:   cfg.TaxaFile,
		fetcher:    fetcher,
		log:        log,
	}
	if err := c.reload(c.placesFile); err != nil {
		return nil, err
	}
	if err := c.reload(c.taxaFile); err != nil {
		return nil, err
	}
	return c, nil
}

// ResolveNames maps a set of place ids to country, state and county names.
func (c *Cache) ResolveNames(ctx context.Context, placeIDs []int64) (PlaceNames, error) {
	if err := c.ensurePlaces(ctx, placeIDs); err != nil {
		return PlaceNames{}, err
	}

	var names PlaceNames
	for _, id := range placeIDs {
		v, ok := c.places.Get(key(id))
		if !ok {
			continue
		}
		p := v.(inat.Place)
		if p.AdminLevel == nil {
			continue
		}
		switch *p.AdminLevel {
		case AdminCountry:
			names.Country = p.Name
		case AdminState:
			names.StateProvince = p.Name
		case AdminCounty:
			names.County = p.Name
		}
	}
	return names, nil
}

// ResolveAncestry fills the ranked names above and including taxon.
func (c *Cache) ResolveAncestry(ctx context.Context, taxon inat.Taxon) (Ancestry, error) {
	ids := append([]int64{}, taxon.AncestorIDs...)
	ids = append(ids, taxon.ID)
	c.taxa.SetDefault(key(taxon.ID), taxon)
	if err := c.ensureTaxa(ctx, ids); err != nil {
		return Ancestry{}, err
	}

	var a Ancestry
	for _, id := range ids {
		v, ok := c.taxa.Get(key(id))
		if !ok {
			continue
		}
		t := v.(inat.Taxon)
		switch t.Rank {
		case "phylum":
			a.Phylum = t.Name
		case "class":
			a.Class = t.Name
		case "order":
			a.Order = t.Name
		case "family":
			a.Family = t.Name
		case "genus":
			a.Genus = t.Name
		case "species":
			a.Species = t.Name
		}
	}
	return a, nil
}

func (c *Cache) ensurePlaces(ctx context.Context, ids []int64) error {
	missing := c.missing(c.places, ids)
	if len(missing) == 0 || c.fetcher == nil {
		return nil
	}
	fetched, err := c.fetcher.FetchPlaces(ctx, missing)
	if err != nil {
		return fmt.Errorf("fetch places: %w", err)
	}
	for _, p := range fetched {
		c.places.SetDefault(key(p.ID), p)
	}
	return c.save(c.placesFile, c.places)
}

func (c *Cache) ensureTaxa(ctx context.Context, ids []int64) error {
	missing := c.missing(c.taxa, ids)
	if len(missing) == 0 || c.fetcher == nil {
		return nil
	}
	fetched, err := c.fetcher.FetchTaxa(ctx, missing)
	if err != nil {
		return fmt.Errorf("fetch taxa: %w", err)
	}
	for _, t := range fetched {
		c.taxa.SetDefault(key(t.ID), t)
	}
	return c.save(c.taxaFile, c.taxa)
}

func (c *Cache) missing(store *cache.Cache, ids []int64) []int64 {
	var out []int64
	seen := make(map[int64]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := store.Get(key(id)); !ok {
			out = append(out, id)
		}
	}
	return out
}

// reload replaces the in-memory entries of one lookup file. A missing file leaves the
// cache empty.
func (c *Cache) reload(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lookup file %s: %w", path, err)
	}

	switch path {
	case c.placesFile:
		var places []inat.Place
		if err := json.Unmarshal(data, &places); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		c.places.Flush()
		for _, p := range places {
			c.places.SetDefault(key(p.ID), p)
		}
		c.log.Debugf("loaded %d places from %s", len(places), path)
	case c.taxaFile:
		var taxa []inat.Taxon
		if err := json.Unmarshal(data, &taxa); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		c.taxa.Flush()
		for _, t := range taxa {
			c.taxa.SetDefault(key(t.ID), t)
		}
		c.log.Debugf("loaded %d taxa from %s", len(taxa), path)
	}
	return nil
}

func (c *Cache) save(path string, store *cache.Cache) error {
	if path == "" {
		return nil
	}

	items := store.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.ParseInt(keys[i], 10, 64)
		b, _ := strconv.ParseInt(keys[j], 10, 64)
		return a < b
	})
	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = items[k].Object
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Watch reloads a lookup file whenever it is replaced or rewritten on disk.
func (c *Cache) Watch() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create lookup watcher: %w", err)
	}

	dirs := make(map[string]bool)
	for _, f := range []string{c.placesFile, c.taxaFile} {
		if f == "" {
			continue
		}
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			w.Close()
			return err
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}

	c.watcher = w
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.watchLoop(w, c.stopCh)
	return nil
}

func (c *Cache) Stop() {
	c.mu.Lock()
	if c.watcher == nil {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.watcher.Close()
	c.watcher = nil
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cache) watchLoop(w *fsnotify.Watcher, stopCh <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if name != filepath.Clean(c.placesFile) && name != filepath.Clean(c.taxaFile) {
				continue
			}
			path := c.placesFile
			if name == filepath.Clean(c.taxaFile) {
				path = c.taxaFile
			}
			if err := c.reload(path); err != nil {
				c.log.Warnf("reload %s: %v", path, err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.log.Errorf("lookup watcher: %v", err)
		case <-stopCh:
			return
		}
	}
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}
