package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"
	"specimen-curator/app/utils/csvstream"
	"specimen-curator/app/utils/elevation"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOccurrenceNotFound = errors.New("occurrences: not found")
	ErrInfiniteUpdateLoop = errors.New("occurrences: update admitted new matches, aborting infinite update loop")
	ErrBadFieldNumber     = errors.New("occurrences: malformed field number")
	ErrDuplicateIdentity  = errors.New("occurrences: identity already taken")
)

// Filter narrows an occurrence query.
type Filter func(db *gorm.DB) *gorm.DB

// All matches every occurrence.
func All() Filter {
	return func(db *gorm.DB) *gorm.DB { return db }
}

// InScratch matches the working set (true) or the committed set (false).
func InScratch(scratch bool) Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where("scratch = ?", scratch) }
}

// Unindexed matches valid rows still waiting for a field number.
func Unindexed() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("error_flags = '' AND field_number = ''")
	}
}

// Flagged matches rows with at least one error flag.
func Flagged() Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where("error_flags <> ''") }
}

// PrintableOnly matches valid, indexed rows.
func PrintableOnly() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("error_flags = '' AND field_number <> ''")
	}
}

// MissingElevation matches rows with coordinates but no elevation.
func MissingElevation() Filter {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("elevation = '' AND latitude <> '' AND longitude <> ''")
	}
}

// WithObservation matches rows linked to an external observation.
func WithObservation() Filter {
	return func(db *gorm.DB) *gorm.DB { return db.Where("observation_url <> ''") }
}

// Combine applies filters in order.
func Combine(filters ...Filter) Filter {
	return func(db *gorm.DB) *gorm.DB {
		for _, f := range filters {
			if f != nil {
				db = f(db)
			}
		}
		return db
	}
}

// OccurrencePage is one page of a composite-sort ordered query.
type OccurrencePage struct {
	Rows           []model.Occurrence `json:"rows"`
	CurrentPage    int                `json:"currentPage"`
	TotalPages     int                `json:"totalPages"`
	TotalDocuments int64              `json:"totalDocuments"`
}

// InsertResult reports a bulk insert. Duplicates are rows whose identity already existed
// in the same partition; they are not errors.
type InsertResult struct {
	Inserted   int
	Duplicates []model.Occurrence
}

func (r *InsertResult) merge(other InsertResult) {
	r.Inserted += other.Inserted
	r.Duplicates = append(r.Duplicates, other.Duplicates...)
}

// UpdateResult reports a bulk update. Duplicates are updated rows whose new identity
// already belonged to another row; the original row was left as it was.
type UpdateResult struct {
	Updated    int
	Duplicates []model.Occurrence
}

// OccurrenceStore persists occurrences with deterministic identity and a total order.
type OccurrenceStore struct {
	db        *gorm.DB
	log       *logger.Logger
	pageSize  int
	chunkSize int
}

func NewOccurrenceStore(db *gorm.DB, log *logger.Logger, pageSize, chunkSize int) *OccurrenceStore {
	if pageSize <= 0 {
		pageSize = 500
	}
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &OccurrenceStore{db: db, log: log, pageSize: pageSize, chunkSize: chunkSize}
}

// Create inserts one occurrence and reports whether it was a duplicate.
func (s *OccurrenceStore) Create(ctx context.Context, doc model.Occurrence) (bool, error) {
	res, err := s.CreateMany(ctx, []model.Occurrence{doc})
	if err != nil {
		return false, err
	}
	return len(res.Duplicates) > 0, nil
}

// CreateMany inserts docs, collecting identity conflicts instead of failing on them.
func (s *OccurrenceStore) CreateMany(ctx context.Context, docs []model.Occurrence) (InsertResult, error) {
	var res InsertResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range docs {
			doc := docs[i]
			doc.Prepare()

			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&doc)
			if result.Error != nil {
				return fmt.Errorf("insert occurrence %s: %w", doc.ID, result.Error)
			}
			if result.RowsAffected == 0 {
				res.Duplicates = append(res.Duplicates, doc)
				continue
			}
			res.Inserted++
		}
		return nil
	})
	if err != nil {
		return InsertResult{}, err
	}
	return res, nil
}

// UpsertByID inserts doc or replaces the row with the same identity and partition.
func (s *OccurrenceStore) UpsertByID(ctx context.Context, doc model.Occurrence) (model.Occurrence, error) {
	doc.Prepare()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&doc).Error
	return doc, err
}

// Get loads one occurrence from a partition.
func (s *OccurrenceStore) Get(ctx context.Context, id string, scratch bool) (*model.Occurrence, error) {
	var o model.Occurrence
	err := s.db.WithContext(ctx).Where("id = ? AND scratch = ?", id, scratch).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Count returns the number of occurrences matching filter.
func (s *OccurrenceStore) Count(ctx context.Context, filter Filter) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&model.Occurrence{}).Scopes(filter).Count(&total).Error
	return total, err
}

// Paginate returns the 1-based page of occurrences matching filter, ordered by the
// composite sort key with identity as the final tiebreak.
func (s *OccurrenceStore) Paginate(ctx context.Context, filter Filter, page, pageSize int) (OccurrencePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = s.pageSize
	}

	total, err := s.Count(ctx, filter)
	if err != nil {
		return OccurrencePage{}, err
	}

	var rows []model.Occurrence
	err = s.db.WithContext(ctx).
		Scopes(filter).
		Order("composite_sort ASC").
		Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error
	if err != nil {
		return OccurrencePage{}, err
	}

	return OccurrencePage{
		Rows:           rows,
		CurrentPage:    page,
		TotalPages:     int((total + int64(pageSize) - 1) / int64(pageSize)),
		TotalDocuments: total,
	}, nil
}

// UpdateOccurrenceByID applies fn to a working-set occurrence and stores the result. If
// the update gives the row an identity another row already has, the stored row is left
// unchanged and ErrDuplicateIdentity is returned.
func (s *OccurrenceStore) UpdateOccurrenceByID(ctx context.Context, id string, fn func(o *model.Occurrence) error) (*model.Occurrence, error) {
	o, err := s.Get(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if err := fn(o); err != nil {
		return nil, err
	}
	duplicate, err := s.replace(ctx, id, o)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, o.ID)
	}
	return o, nil
}

// replace stores o in place of the row previously identified by oldID. When the key
// fields changed, the identity changes with them: o is inserted under the new identity
// and the old row removed. If the new identity is taken, nothing is written and
// replace reports a duplicate.
func (s *OccurrenceStore) replace(ctx context.Context, oldID string, o *model.Occurrence) (bool, error) {
	o.Prepare()
	if o.ID == oldID {
		return false, s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(o).Error
	}

	duplicate := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(o)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			duplicate = true
			return nil
		}
		return tx.Where("id = ? AND scratch = ?", oldID, o.Scratch).Delete(&model.Occurrence{}).Error
	})
	return duplicate, err
}

// UpdateMany applies fn to every occurrence matching filter, page by page.
//
// fn may change whether a row matches. After each page the match count is measured
// again: a decrease means rows left the view and later rows shifted onto pages already
// visited, so the walk restarts at page one; rows already updated are skipped. An
// increase means the update admits new matches and would never finish, so the walk
// aborts with ErrInfiniteUpdateLoop.
//
// A row whose update collides with another row's identity is kept unchanged and
// returned in the result's Duplicates.
func (s *OccurrenceStore) UpdateMany(ctx context.Context, filter Filter, pageSize int, fn func(o *model.Occurrence) error) (UpdateResult, error) {
	var res UpdateResult
	count, err := s.Count(ctx, filter)
	if err != nil {
		return res, err
	}

	visited := make(map[string]struct{})
	page := 1

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		p, err := s.Paginate(ctx, filter, page, pageSize)
		if err != nil {
			return res, err
		}
		if len(p.Rows) == 0 {
			return res, nil
		}

		for i := range p.Rows {
			o := p.Rows[i]
			key := partitionKey(o.ID, o.Scratch)
			if _, seen := visited[key]; seen {
				continue
			}
			visited[key] = struct{}{}

			oldID := o.ID
			if err := fn(&o); err != nil {
				return res, err
			}
			duplicate, err := s.replace(ctx, oldID, &o)
			if err != nil {
				return res, err
			}
			if duplicate {
				res.Duplicates = append(res.Duplicates, o)
				continue
			}
			visited[partitionKey(o.ID, o.Scratch)] = struct{}{}
			res.Updated++
		}

		current, err := s.Count(ctx, filter)
		if err != nil {
			return res, err
		}
		switch {
		case current > count:
			return res, fmt.Errorf("%w: %d matches grew to %d", ErrInfiniteUpdateLoop, count, current)
		case current < count:
			s.log.Debugf("matching occurrences dropped from %d to %d, restarting at page 1", count, current)
			page = 1
		default:
			page++
		}
		count = current
	}
}

// IndexFieldNumbers assigns sequential field numbers to every valid, unnumbered row in
// the working set, in composite-sort order.
//
// Assigning a number removes a row from the unindexed view, so writing during the scan
// would shift the page cursor. The scan therefore buffers every assignment first and
// applies them only after the last page has been read.
func (s *OccurrenceStore) IndexFieldNumbers(ctx context.Context, year, pageSize int) (int, error) {
	next, err := s.nextFieldNumber(ctx, year)
	if err != nil {
		return 0, err
	}

	type assignment struct {
		id     string
		number string
	}
	var pending []assignment

	filter := Combine(InScratch(true), Unindexed())
	for page := 1; ; page++ {
		p, err := s.Paginate(ctx, filter, page, pageSize)
		if err != nil {
			return 0, err
		}
		for _, o := range p.Rows {
			pending = append(pending, assignment{id: o.ID, number: next})
			if next, err = IncrementFieldNumber(next); err != nil {
				return 0, err
			}
		}
		if page >= p.TotalPages {
			break
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range pending {
			err := tx.Model(&model.Occurrence{}).
				Where("id = ? AND scratch = ?", a.id, true).
				Update("field_number", a.number).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(pending), nil
}

// nextFieldNumber is one past the highest numeric field number carrying the year prefix,
// or the first number of that year.
func (s *OccurrenceStore) nextFieldNumber(ctx context.Context, year int) (string, error) {
	prefix := yearPrefix(year)

	var current []string
	err := s.db.WithContext(ctx).Model(&model.Occurrence{}).
		Where("field_number GLOB ? AND field_number NOT GLOB '*[^0-9]*'", prefix+"?*").
		Order("length(field_number) DESC").
		Order("field_number DESC").
		Limit(1).
		Pluck("field_number", &current).Error
	if err != nil {
		return "", err
	}
	if len(current) == 0 {
		return DefaultFieldNumber(year), nil
	}
	return IncrementFieldNumber(current[0])
}

// DefaultFieldNumber is the first field number of a year, e.g. 2500001.
func DefaultFieldNumber(year int) string {
	return yearPrefix(year) + "00001"
}

// IncrementFieldNumber adds one to the numeric suffix after the two-character year
// prefix, keeping its zero padding. A suffix that overflows its width grows by a digit.
func IncrementFieldNumber(number string) (string, error) {
	if len(number) < 3 {
		return "", fmt.Errorf("%w: %q", ErrBadFieldNumber, number)
	}
	prefix, suffix := number[:2], number[2:]
	n, err := strconv.ParseUint(suffix, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadFieldNumber, number)
	}
	return fmt.Sprintf("%s%0*d", prefix, len(suffix), n+1), nil
}

func yearPrefix(year int) string {
	return fmt.Sprintf("%02d", year%100)
}

// DistinctCoordinates returns the unique "lat,lon" pairs of matching rows, rounded to
// four decimal places.
func (s *OccurrenceStore) DistinctCoordinates(ctx context.Context, filter Filter) ([]string, error) {
	rows, err := s.db.WithContext(ctx).Model(&model.Occurrence{}).
		Scopes(filter).
		Where("latitude <> '' AND longitude <> ''").
		Select("latitude", "longitude").
		Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var lat, lon string
		if err := rows.Scan(&lat, &lon); err != nil {
			return nil, err
		}
		key, ok := RoundCoordinate(lat, lon)
		if ok {
			seen[key] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	coords := make([]string, 0, len(seen))
	for k := range seen {
		coords = append(coords, k)
	}
	sort.Strings(coords)
	return coords, nil
}

// DistinctObservationURLs returns the observation links of matching rows.
func (s *OccurrenceStore) DistinctObservationURLs(ctx context.Context, filter Filter) ([]string, error) {
	var urls []string
	err := s.db.WithContext(ctx).Model(&model.Occurrence{}).
		Scopes(filter).
		Where("observation_url <> ''").
		Distinct().
		Order("observation_url").
		Pluck("observation_url", &urls).Error
	return urls, err
}

// RoundCoordinate formats a coordinate pair rounded to four decimal places.
func RoundCoordinate(lat, lon string) (string, bool) {
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return "", false
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return "", false
	}
	return elevation.FormatCoordinate(round4(la), round4(lo)), true
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// ClearScratch empties the working set.
func (s *OccurrenceStore) ClearScratch(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("scratch = ?", true).Delete(&model.Occurrence{}).Error
}

// CommitScratch replaces the committed set with the working set.
func (s *OccurrenceStore) CommitScratch(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("scratch = ?", false).Delete(&model.Occurrence{}).Error; err != nil {
			return err
		}
		return tx.Model(&model.Occurrence{}).Where("scratch = ?", true).Update("scratch", false).Error
	})
}

// CreateOccurrencesFromFile streams an uploaded file into the working set. A missing
// file imports nothing.
func (s *OccurrenceStore) CreateOccurrencesFromFile(ctx context.Context, path string) (InsertResult, error) {
	var total InsertResult
	reader := csvstream.ReadChunks(path, s.chunkSize)
	defer reader.Close()

	for {
		batch, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}

		docs := make([]model.Occurrence, 0, len(batch))
		for _, row := range batch {
			if blankRow(row) {
				continue
			}
			o := model.FromRow(row)
			o.Scratch = true
			docs = append(docs, o)
		}

		res, err := s.CreateMany(ctx, docs)
		if err != nil {
			return total, err
		}
		total.merge(res)
	}

	s.log.Debugf("imported %d occurrences from %s (%d duplicates)", total.Inserted, path, len(total.Duplicates))
	return total, nil
}

// GetUnindexedOccurrencesPage returns a page of working-set rows awaiting a field number.
func (s *OccurrenceStore) GetUnindexedOccurrencesPage(ctx context.Context, page int) (OccurrencePage, error) {
	return s.Paginate(ctx, Combine(InScratch(true), Unindexed()), page, s.pageSize)
}

// GetPrintableOccurrences returns every printable working-set row in sort order.
func (s *OccurrenceStore) GetPrintableOccurrences(ctx context.Context) ([]model.Occurrence, error) {
	var out []model.Occurrence
	filter := Combine(InScratch(true), PrintableOnly())
	for page := 1; ; page++ {
		p, err := s.Paginate(ctx, filter, page, s.pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Rows...)
		if page >= p.TotalPages {
			return out, nil
		}
	}
}

// WriteOccurrencesFromDatabase exports matching rows to path one page at a time.
func (s *OccurrenceStore) WriteOccurrencesFromDatabase(ctx context.Context, path string, filter Filter) (int, error) {
	return csvstream.WriteRowsStreaming(path, model.Headers(), func(page int) (csvstream.Page, error) {
		p, err := s.Paginate(ctx, filter, page, s.pageSize)
		if err != nil {
			return csvstream.Page{}, err
		}
		rows := make([]csvstream.Row, len(p.Rows))
		for i := range p.Rows {
			rows[i] = p.Rows[i].Row()
		}
		return csvstream.Page{Rows: rows, TotalPages: p.TotalPages}, nil
	})
}

func partitionKey(id string, scratch bool) string {
	if scratch {
		return id + ":s"
	}
	return id + ":c"
}

func blankRow(row csvstream.Row) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
