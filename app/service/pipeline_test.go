package service

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"
	"specimen-curator/app/utils/csvstream"
	"specimen-curator/app/utils/inat"
	"specimen-curator/app/utils/labels"
	"specimen-curator/app/utils/lookup"
)

type recordingHandler struct {
	kind  string
	calls *[]string
	err   error
}

func (h recordingHandler) Type() string { return h.kind }

func (h recordingHandler) HandleTask(_ context.Context, taskID string) error {
	*h.calls = append(*h.calls, h.kind+":"+taskID)
	return h.err
}

func TestResolveInput(t *testing.T) {
	task := &model.Task{
		Upload: "/uploads/a.csv",
		Result: &model.TaskResult{SubtaskOutputs: []model.SubtaskOutput{{
			Type: model.TaskTypeObservations,
			Outputs: []model.OutputFile{
				{URI: "/data/occurrences/a.csv", Type: model.OutputOccurrences},
				{URI: "/data/flags/a.csv", Type: model.OutputFlags},
			},
		}}},
	}

	cases := []struct {
		input string
		want  string
		err   error
	}{
		{"", "/uploads/a.csv", nil},
		{model.InputUpload, "/uploads/a.csv", nil},
		{"0_occurrences", "/data/occurrences/a.csv", nil},
		{"0_flags", "/data/flags/a.csv", nil},
		{"0_labels", "", ErrInputNotFound},
		{"1_occurrences", "", ErrInputNotFound},
		{"occurrences", "", ErrBadInputReference},
		{"x_occurrences", "", ErrBadInputReference},
		{"0_", "", ErrBadInputReference},
	}
	for _, c := range cases {
		got, err := ResolveInput(task, c.input)
		if c.err != nil {
			if !errors.Is(err, c.err) {
				t.Fatalf("%q: err %v, want %v", c.input, err, c.err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("%q: got %q, %v", c.input, got, err)
		}
	}
}

func TestDispatcherRejectsUnknownSubtaskBeforeRunning(t *testing.T) {
	var calls []string
	d := NewDispatcher(logger.Nop(), recordingHandler{kind: model.TaskTypeObservations, calls: &calls})

	task := &model.Task{ID: "t1", Subtasks: []model.Subtask{
		{Type: model.TaskTypeObservations},
		{Type: "shipping"},
	}}
	if err := d.Dispatch(context.Background(), task); !errors.Is(err, ErrUnknownSubtask) {
		t.Fatalf("err = %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("handlers ran: %v", calls)
	}

	if err := d.Dispatch(context.Background(), &model.Task{ID: "t2"}); !errors.Is(err, ErrNoSubtasks) {
		t.Fatalf("empty task: %v", err)
	}
}

func TestDispatcherRunsInOrderAndStopsOnFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	d := NewDispatcher(logger.Nop(),
		recordingHandler{kind: model.TaskTypeObservations, calls: &calls},
		recordingHandler{kind: model.TaskTypeEmails, calls: &calls, err: boom},
		recordingHandler{kind: model.TaskTypeLabels, calls: &calls},
	)

	task := &model.Task{ID: "t", Subtasks: []model.Subtask{
		{Type: model.TaskTypeObservations},
		{Type: model.TaskTypeLabels},
		{Type: model.TaskTypeEmails},
		{Type: model.TaskTypeLabels},
	}}
	err := d.Dispatch(context.Background(), task)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	want := "observations:t labels:t emails:t"
	if got := strings.Join(calls, " "); got != want {
		t.Fatalf("calls = %q, want %q", got, want)
	}
}

type fakeSource struct {
	byID  []inat.Observation
	byURL []inat.Observation
	ids   []int64
}

func (f *fakeSource) FetchByID(_ context.Context, ids []int64, onProgress func(done, total int)) ([]inat.Observation, error) {
	f.ids = append(f.ids, ids...)
	if onProgress != nil {
		onProgress(len(ids), len(ids))
	}
	return f.byID, nil
}

func (f *fakeSource) FetchByURL(_ context.Context, _ string, _ func(done, total int)) ([]inat.Observation, error) {
	return f.byURL, nil
}

type fakeResolver struct{}

func (fakeResolver) ResolveNames(_ context.Context, _ []int64) (lookup.PlaceNames, error) {
	return lookup.PlaceNames{Country: "United States", StateProvince: "Oregon", County: "Marion"}, nil
}

func (fakeResolver) ResolveAncestry(_ context.Context, taxon inat.Taxon) (lookup.Ancestry, error) {
	return lookup.Ancestry{
		Phylum:  "Arthropoda",
		Class:   "Insecta",
		Order:   "Hymenoptera",
		Family:  "Apidae",
		Genus:   "Bombus",
		Species: taxon.Name,
	}, nil
}

type fakeElevation struct{ asked []string }

func (f *fakeElevation) Elevations(coordinates []string, _ func(done, total int)) map[string]string {
	f.asked = append(f.asked, coordinates...)
	out := make(map[string]string, len(coordinates))
	for _, c := range coordinates {
		out[c] = "100"
	}
	return out
}

type fakeRenderer struct{ got []labels.Label }

func (f *fakeRenderer) Render(items []labels.Label, dir, prefix string, _ func(done, total int)) ([]string, error) {
	f.got = items
	return []string{filepath.Join(dir, prefix+"_labels_001.png")}, nil
}

func newTestStage(t *testing.T) *Stage {
	t.Helper()
	db := openTestDB(t)
	return &Stage{
		Tasks:       NewTaskStore(db, logger.Nop()),
		Occurrences: NewOccurrenceStore(db, logger.Nop(), 2, 2),
		DataDir:     filepath.Join(t.TempDir(), "files"),
		Log:         logger.Nop(),
	}
}

// writeUpload writes an upload with two valid rows, a duplicate and a row without coordinates.
func writeUpload(t *testing.T) string {
	t.Helper()
	rows := []model.Occurrence{
		specimen("Smith", "Ann", 1),
		specimen("Jones", "Bo", 2),
		specimen("Jones", "Bo", 2),
		specimen("Zed", "Cy", 3),
	}
	rows[0].ObservationURL = "https://www.inaturalist.org/observations/42"
	rows[3].Latitude = ""

	out := make([]csvstream.Row, len(rows))
	for i := range rows {
		out[i] = rows[i].Row()
	}
	path := filepath.Join(t.TempDir(), "upload.csv")
	if _, err := csvstream.WriteRowsStreaming(path, model.Headers(), csvstream.SlicePages(out, 0)); err != nil {
		t.Fatal(err)
	}
	return path
}

func readRows(t *testing.T, path string) []csvstream.Row {
	t.Helper()
	r := csvstream.ReadChunks(path, 10)
	defer r.Close()
	var rows []csvstream.Row
	for {
		batch, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rows
		}
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		rows = append(rows, batch...)
	}
}

func newTask(t *testing.T, stage *Stage, taskType, upload, sourceURL string) *model.Task {
	t.Helper()
	subtasks, ok := model.DefaultSubtasks(taskType)
	if !ok {
		t.Fatalf("no default subtasks for %s", taskType)
	}
	task := &model.Task{Type: taskType, Subtasks: subtasks, Upload: upload, SourceURL: sourceURL}
	if err := stage.Tasks.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func fixedYear(h *ObservationsHandler) {
	h.now = func() time.Time { return time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC) }
}

func TestObservationsHandlerMergesAndIndexes(t *testing.T) {
	ctx := context.Background()
	stage := newTestStage(t)

	linked := inat.Observation{
		ID:          42,
		URI:         "https://www.inaturalist.org/observations/42",
		Location:    "44.5646,-123.262",
		PlaceIDs:    []int64{1, 2},
		Taxon:       &inat.Taxon{ID: 52775, Name: "Bombus vosnesenskii"},
		FieldValues: []inat.FieldValue{{Name: "Sex", Value: "female"}},
	}
	fresh := inat.Observation{
		ID:                77,
		URI:               "https://www.inaturalist.org/observations/77",
		ObservedOnDetails: &inat.DateDetails{Day: 3, Month: 7, Year: 2025},
		Location:          "45.1,-122.5",
		PlaceIDs:          []int64{1, 2},
		User:              inat.User{Login: "dee", Name: "Dee Park"},
		FieldValues: []inat.FieldValue{
			{Name: "Sample ID", Value: "4"},
			{Name: "Specimen ID", Value: "1"},
		},
	}
	source := &fakeSource{byID: []inat.Observation{linked}, byURL: []inat.Observation{linked, fresh}}
	elev := &fakeElevation{}

	h := NewObservationsHandler(stage, source, fakeResolver{}, elev)
	fixedYear(h)

	task := newTask(t, stage, model.TaskTypeObservations, writeUpload(t), "https://api.inaturalist.org/v1/observations?project_id=1")
	if err := h.HandleTask(ctx, task.ID); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	if len(source.ids) != 1 || source.ids[0] != 42 {
		t.Fatalf("fetched ids %v", source.ids)
	}
	// Jones and Smith share a coordinate
	if len(elev.asked) != 2 {
		t.Fatalf("elevation asked for %v", elev.asked)
	}

	got, err := stage.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskStatusRunning || got.Progress != nil {
		t.Fatalf("status %s progress %+v", got.Status, got.Progress)
	}
	block, ok := got.OutputsOf(0)
	if !ok || len(block.Outputs) != 3 {
		t.Fatalf("outputs %+v", got.Result)
	}
	if !strings.Contains(strings.Join(got.Warnings, "|"), "1 duplicate rows") ||
		!strings.Contains(strings.Join(got.Warnings, "|"), "1 rows have missing") {
		t.Fatalf("warnings %v", got.Warnings)
	}

	occurrences, err := ResolveInput(got, "0_occurrences")
	if err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, occurrences)
	if len(rows) != 4 {
		t.Fatalf("exported %d rows", len(rows))
	}
	// composite order: Jones, Park, Smith, then the unnumbered Zed
	wantNumbers := map[string]string{"Jones": "2500001", "Park": "2500002", "Smith": "2500003", "Zed": ""}
	for i, last := range []string{"Jones", "Park", "Smith", "Zed"} {
		if rows[i]["Last Name"] != last {
			t.Fatalf("row %d is %q", i, rows[i]["Last Name"])
		}
		if rows[i]["Field No."] != wantNumbers[last] {
			t.Fatalf("%s field number %q", last, rows[i]["Field No."])
		}
	}

	smith := rows[2]
	if smith["Sex"] != "female" || smith["Family"] != "Apidae" || smith["County"] != "Marion" || smith["Elevation"] != "100" {
		t.Fatalf("merged row %v", smith)
	}
	park := rows[1]
	if park["First Name"] != "Dee" || park["Sample ID"] != "4" || park["Month"] != "7" || park["Latitude"] != "45.1" {
		t.Fatalf("new observation row %v", park)
	}

	flags, _ := ResolveInput(got, "0_flags")
	if flagged := readRows(t, flags); len(flagged) != 1 || flagged[0]["Error Flags"] != "Latitude" {
		t.Fatalf("flags %v", flagged)
	}
	dups, _ := ResolveInput(got, "0_duplicates")
	if d := readRows(t, dups); len(d) != 1 || d[0]["Last Name"] != "Jones" {
		t.Fatalf("duplicates %v", d)
	}

	scratch, _ := stage.Occurrences.Count(ctx, InScratch(true))
	committed, _ := stage.Occurrences.Count(ctx, InScratch(false))
	if scratch != 0 || committed != 4 {
		t.Fatalf("scratch %d committed %d", scratch, committed)
	}
}

func TestLabelsAndReportsReadIngestOutput(t *testing.T) {
	ctx := context.Background()
	stage := newTestStage(t)
	upload := writeUpload(t)

	obs := NewObservationsHandler(stage, nil, nil, nil)
	fixedYear(obs)
	renderer := &fakeRenderer{}
	d := NewDispatcher(logger.Nop(), obs, NewLabelsHandler(stage, renderer), NewPivotsHandler(stage))

	task := newTask(t, stage, model.TaskTypeLabels, upload, "")
	if err := d.Dispatch(ctx, task); err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(renderer.got) != 2 || renderer.got[0].FieldNumber != "2500001" || renderer.got[1].FieldNumber != "2500002" {
		t.Fatalf("labels %+v", renderer.got)
	}
	got, _ := stage.Tasks.Get(ctx, task.ID)
	block, ok := got.OutputsOf(1)
	if !ok || block.Type != model.TaskTypeLabels || len(block.Outputs) != 1 || block.Outputs[0].Type != model.OutputLabels {
		t.Fatalf("label outputs %+v", got.Result)
	}

	pivot := newTask(t, stage, model.TaskTypePivots, upload, "")
	if err := d.Dispatch(ctx, pivot); err != nil {
		t.Fatalf("pivots: %v", err)
	}
	got, _ = stage.Tasks.Get(ctx, pivot.ID)
	path, err := ResolveInput(got, "1_pivots")
	if err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, path)
	if len(rows) != 1 || rows[0]["Species"] != "Bombus vosnesenskii" || rows[0]["Total"] != "2" {
		t.Fatalf("pivot rows %v", rows)
	}
}
