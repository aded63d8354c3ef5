package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"specimen-curator/app/model"
	"specimen-curator/app/utils/csvstream"
	"specimen-curator/app/utils/inat"
	"specimen-curator/app/utils/lookup"
)

// ObservationSource fetches observations from the external API.
type ObservationSource interface {
	FetchByID(ctx context.Context, ids []int64, onProgress func(done, total int)) ([]inat.Observation, error)
	FetchByURL(ctx context.Context, rawURL string, onProgress func(done, total int)) ([]inat.Observation, error)
}

// TaxonomyResolver turns place and taxon ids into names.
type TaxonomyResolver interface {
	ResolveNames(ctx context.Context, placeIDs []int64) (lookup.PlaceNames, error)
	ResolveAncestry(ctx context.Context, taxon inat.Taxon) (lookup.Ancestry, error)
}

// ElevationSource resolves "lat,lon" coordinates to elevations.
type ElevationSource interface {
	Elevations(coordinates []string, onProgress func(done, total int)) map[string]string
}

// observation field names mapped onto occurrence fields
var fieldValueTargets = map[string]func(o *model.Occurrence) *string{
	"sample id":         func(o *model.Occurrence) *string { return &o.SampleID },
	"specimen id":       func(o *model.Occurrence) *string { return &o.SpecimenID },
	"collection method": func(o *model.Occurrence) *string { return &o.CollectionMethod },
	"sex":               func(o *model.Occurrence) *string { return &o.Sex },
	"associated taxa":   func(o *model.Occurrence) *string { return &o.AssociatedTaxa },
	"associated plant":  func(o *model.Occurrence) *string { return &o.AssociatedTaxa },
}

// ObservationsHandler ingests an upload, merges it with observation data, adds
// elevations, assigns field numbers and writes the occurrence, flag and duplicate files.
// Source, resolver and elevation are optional.
type ObservationsHandler struct {
	stage     *Stage
	source    ObservationSource
	resolver  TaxonomyResolver
	elevation ElevationSource
	now       func() time.Time
}

func NewObservationsHandler(stage *Stage, source ObservationSource, resolver TaxonomyResolver, elevation ElevationSource) *ObservationsHandler {
	return &ObservationsHandler{
		stage:     stage,
		source:    source,
		resolver:  resolver,
		elevation: elevation,
		now:       time.Now,
	}
}

func (h *ObservationsHandler) Type() string {
	return model.TaskTypeObservations
}

func (h *ObservationsHandler) HandleTask(ctx context.Context, taskID string) error {
	run, err := h.stage.begin(ctx, taskID, h.Type())
	if err != nil {
		return err
	}

	imported, err := h.stage.ingest(ctx, run)
	if err != nil {
		return err
	}

	var warnings []string
	if h.source != nil {
		dups, notes, err := h.mergeObservations(ctx, run)
		if err != nil {
			return err
		}
		imported.Duplicates = append(imported.Duplicates, dups...)
		warnings = append(warnings, notes...)
	}

	if h.elevation != nil {
		if err := h.addElevations(ctx, run); err != nil {
			return err
		}
	}

	if err := h.stage.step(ctx, run, "Assigning field numbers"); err != nil {
		return err
	}
	if _, err := h.stage.Occurrences.IndexFieldNumbers(ctx, h.now().Year(), 0); err != nil {
		return err
	}

	if err := h.stage.step(ctx, run, "Writing results"); err != nil {
		return err
	}
	outputs, flagged, err := h.writeOutputs(ctx, run, imported.Duplicates)
	if err != nil {
		return err
	}

	if len(imported.Duplicates) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d duplicate rows were skipped", len(imported.Duplicates)))
	}
	if flagged > 0 {
		warnings = append(warnings, fmt.Sprintf("%d rows have missing or invalid fields", flagged))
	}
	if _, err := h.stage.Tasks.UpdateWarningsByID(ctx, taskID, warnings...); err != nil {
		return err
	}

	if err := h.stage.Occurrences.CommitScratch(ctx); err != nil {
		return err
	}
	return h.stage.finish(ctx, run, outputs)
}

// mergeObservations refreshes linked rows from the API and adds new observations found
// by the task's source URL. Fetch failures become warnings.
func (h *ObservationsHandler) mergeObservations(ctx context.Context, run *subtaskRun) ([]model.Occurrence, []string, error) {
	if err := h.stage.step(ctx, run, "Fetching observations"); err != nil {
		return nil, nil, err
	}

	var warnings []string
	linked := make(map[int64]bool)
	urls, err := h.stage.Occurrences.DistinctObservationURLs(ctx, InScratch(true))
	if err != nil {
		return nil, nil, err
	}
	var ids []int64
	for _, u := range urls {
		if id, ok := inat.ObservationID(u); ok && !linked[id] {
			linked[id] = true
			ids = append(ids, id)
		}
	}

	byID := make(map[int64]inat.Observation)
	if len(ids) > 0 {
		fetched, err := h.source.FetchByID(ctx, ids, h.stage.reporter(ctx, run))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("fetching linked observations failed: %v", err))
		}
		for _, ob := range fetched {
			byID[ob.ID] = ob
		}
		if missing := len(ids) - len(fetched); missing > 0 {
			warnings = append(warnings, fmt.Sprintf("%d linked observations could not be fetched", missing))
		}
	}

	var fresh []inat.Observation
	if run.task.SourceURL != "" {
		found, err := h.source.FetchByURL(ctx, run.task.SourceURL, h.stage.reporter(ctx, run))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("fetching observations from source url failed: %v", err))
		}
		for _, ob := range found {
			if linked[ob.ID] {
				byID[ob.ID] = ob
				continue
			}
			fresh = append(fresh, ob)
		}
	}

	if err := h.stage.step(ctx, run, "Merging observations"); err != nil {
		return nil, nil, err
	}
	merged, err := h.stage.Occurrences.UpdateMany(ctx, Combine(InScratch(true), WithObservation()), 0, func(o *model.Occurrence) error {
		id, ok := inat.ObservationID(o.ObservationURL)
		if !ok {
			return nil
		}
		if ob, found := byID[id]; found {
			h.apply(ctx, o, ob)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	duplicates := merged.Duplicates
	if len(fresh) > 0 {
		docs := make([]model.Occurrence, 0, len(fresh))
		for _, ob := range fresh {
			o := model.Occurrence{Scratch: true}
			h.apply(ctx, &o, ob)
			docs = append(docs, o)
		}
		res, err := h.stage.Occurrences.CreateMany(ctx, docs)
		if err != nil {
			return nil, nil, err
		}
		duplicates = append(duplicates, res.Duplicates...)
		h.stage.Log.Infof("task %s: added %d new observations", run.task.ID, res.Inserted)
	}

	return duplicates, warnings, nil
}

// apply copies observation data onto an occurrence. Lookup failures leave the place and
// taxonomy fields as they were.
func (h *ObservationsHandler) apply(ctx context.Context, o *model.Occurrence, ob inat.Observation) {
	if ob.URI != "" {
		o.ObservationURL = ob.URI
	}
	if d := ob.ObservedOnDetails; d != nil && d.Year > 0 {
		o.Day = strconv.Itoa(d.Day)
		o.Month = strconv.Itoa(d.Month)
		o.Year = strconv.Itoa(d.Year)
	}
	if lat, lon, found := strings.Cut(ob.Location, ","); found {
		o.Latitude = strings.TrimSpace(lat)
		o.Longitude = strings.TrimSpace(lon)
	}
	if o.FirstName == "" && o.LastName == "" {
		o.FirstName, o.LastName = splitName(ob.User.Name, ob.User.Login)
	}
	if o.Locality == "" {
		o.Locality = ob.PlaceGuess
	}
	for _, fv := range ob.FieldValues {
		target, ok := fieldValueTargets[strings.ToLower(strings.TrimSpace(fv.Name))]
		if ok && strings.TrimSpace(fv.Value) != "" {
			*target(o) = strings.TrimSpace(fv.Value)
		}
	}

	if h.resolver == nil {
		return
	}
	if len(ob.PlaceIDs) > 0 {
		names, err := h.resolver.ResolveNames(ctx, ob.PlaceIDs)
		if err != nil {
			h.stage.Log.Warnf("resolve places of observation %d: %v", ob.ID, err)
		} else {
			setIfPresent(&o.Country, names.Country)
			setIfPresent(&o.StateProvince, names.StateProvince)
			setIfPresent(&o.County, names.County)
		}
	}
	if ob.Taxon != nil {
		o.TaxonID = strconv.FormatInt(ob.Taxon.ID, 10)
		a, err := h.resolver.ResolveAncestry(ctx, *ob.Taxon)
		if err != nil {
			h.stage.Log.Warnf("resolve taxon %d: %v", ob.Taxon.ID, err)
			return
		}
		setIfPresent(&o.Phylum, a.Phylum)
		setIfPresent(&o.Class, a.Class)
		setIfPresent(&o.Order, a.Order)
		setIfPresent(&o.Family, a.Family)
		setIfPresent(&o.Genus, a.Genus)
		setIfPresent(&o.Species, a.Species)
	}
}

// addElevations fills elevation for every working row with coordinates, reading each
// raster tile once.
func (h *ObservationsHandler) addElevations(ctx context.Context, run *subtaskRun) error {
	if err := h.stage.step(ctx, run, "Looking up elevations"); err != nil {
		return err
	}

	filter := Combine(InScratch(true), MissingElevation())
	coords, err := h.stage.Occurrences.DistinctCoordinates(ctx, filter)
	if err != nil {
		return err
	}
	if len(coords) == 0 {
		return nil
	}

	elevations := h.elevation.Elevations(coords, h.stage.reporter(ctx, run))
	_, err = h.stage.Occurrences.UpdateMany(ctx, filter, 0, func(o *model.Occurrence) error {
		if key, ok := RoundCoordinate(o.Latitude, o.Longitude); ok {
			o.Elevation = elevations[key]
		}
		return nil
	})
	return err
}

func (h *ObservationsHandler) writeOutputs(ctx context.Context, run *subtaskRun, duplicates []model.Occurrence) ([]model.OutputFile, int64, error) {
	var outputs []model.OutputFile
	store := h.stage.Occurrences

	if wants(run.subtask, model.OutputOccurrences) {
		path := h.stage.outputPath(run, model.OutputOccurrences, "csv")
		if _, err := store.WriteOccurrencesFromDatabase(ctx, path, InScratch(true)); err != nil {
			return nil, 0, err
		}
		outputs = append(outputs, outputFile(path, model.OutputOccurrences, ""))
	}

	flagged, err := store.Count(ctx, Combine(InScratch(true), Flagged()))
	if err != nil {
		return nil, 0, err
	}
	if wants(run.subtask, model.OutputFlags) {
		path := h.stage.outputPath(run, model.OutputFlags, "csv")
		if _, err := store.WriteOccurrencesFromDatabase(ctx, path, Combine(InScratch(true), Flagged())); err != nil {
			return nil, 0, err
		}
		outputs = append(outputs, outputFile(path, model.OutputFlags, ""))
	}

	if wants(run.subtask, model.OutputDuplicates) {
		rows := make([]csvstream.Row, len(duplicates))
		for i := range duplicates {
			rows[i] = duplicates[i].Row()
		}
		path := h.stage.outputPath(run, model.OutputDuplicates, "csv")
		if _, err := csvstream.WriteRowsStreaming(path, model.Headers(), csvstream.SlicePages(rows, store.pageSize)); err != nil {
			return nil, 0, err
		}
		outputs = append(outputs, outputFile(path, model.OutputDuplicates, ""))
	}

	return outputs, flagged, nil
}

func splitName(name, login string) (first, last string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return login, ""
	}
	if i := strings.LastIndex(name, " "); i > 0 {
		return strings.TrimSpace(name[:i]), name[i+1:]
	}
	return name, ""
}

func setIfPresent(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
