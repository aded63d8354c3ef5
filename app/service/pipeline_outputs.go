package service

import (
	"context"
	"fmt"

	"specimen-curator/app/model"
	"specimen-curator/app/utils/labels"
	"specimen-curator/app/utils/reports"
)

// LabelRenderer draws printable labels into sheet files.
type LabelRenderer interface {
	Render(items []labels.Label, dir, prefix string, onProgress func(done, total int)) ([]string, error)
}

// LabelsHandler renders a label sheet set for the printable rows of its input.
type LabelsHandler struct {
	stage    *Stage
	renderer LabelRenderer
}

func NewLabelsHandler(stage *Stage, renderer LabelRenderer) *LabelsHandler {
	return &LabelsHandler{stage: stage, renderer: renderer}
}

func (h *LabelsHandler) Type() string {
	return model.TaskTypeLabels
}

func (h *LabelsHandler) HandleTask(ctx context.Context, taskID string) error {
	run, err := h.stage.begin(ctx, taskID, h.Type())
	if err != nil {
		return err
	}
	if _, err := h.stage.ingest(ctx, run); err != nil {
		return err
	}

	printable, err := h.stage.Occurrences.GetPrintableOccurrences(ctx)
	if err != nil {
		return err
	}
	if len(printable) == 0 {
		if _, err := h.stage.Tasks.UpdateWarningsByID(ctx, taskID, "no printable occurrences for labels"); err != nil {
			return err
		}
	}

	if err := h.stage.step(ctx, run, "Rendering labels"); err != nil {
		return err
	}
	items := make([]labels.Label, len(printable))
	for i := range printable {
		items[i] = labels.FromOccurrence(printable[i])
	}
	prefix := run.task.Tag()
	paths, err := h.renderer.Render(items, h.stage.outputDir(model.OutputLabels), prefix, h.stage.reporter(ctx, run))
	if err != nil {
		return fmt.Errorf("render labels: %w", err)
	}

	outputs := make([]model.OutputFile, len(paths))
	for i, p := range paths {
		outputs[i] = outputFile(p, model.OutputLabels, fmt.Sprintf("sheet%d", i+1))
	}
	return h.stage.finish(ctx, run, outputs)
}

// ReportHandler compiles one CSV report from the printable rows of its input.
type ReportHandler struct {
	stage      *Stage
	taskType   string
	outputType string
	compile    func(occurrences []model.Occurrence, path string, onProgress func(done, total int)) (int, error)
}

func NewAddressesHandler(stage *Stage) *ReportHandler {
	return &ReportHandler{
		stage:      stage,
		taskType:   model.TaskTypeAddresses,
		outputType: model.OutputAddresses,
		compile:    reports.CompileAddresses,
	}
}

func NewEmailsHandler(stage *Stage) *ReportHandler {
	return &ReportHandler{
		stage:      stage,
		taskType:   model.TaskTypeEmails,
		outputType: model.OutputEmails,
		compile:    reports.CompileEmails,
	}
}

func NewPivotsHandler(stage *Stage) *ReportHandler {
	return &ReportHandler{
		stage:      stage,
		taskType:   model.TaskTypePivots,
		outputType: model.OutputPivots,
		compile: func(occurrences []model.Occurrence, path string, _ func(done, total int)) (int, error) {
			return reports.WritePivot(occurrences, path)
		},
	}
}

func (h *ReportHandler) Type() string {
	return h.taskType
}

func (h *ReportHandler) HandleTask(ctx context.Context, taskID string) error {
	run, err := h.stage.begin(ctx, taskID, h.Type())
	if err != nil {
		return err
	}
	if _, err := h.stage.ingest(ctx, run); err != nil {
		return err
	}

	printable, err := h.stage.Occurrences.GetPrintableOccurrences(ctx)
	if err != nil {
		return err
	}

	if err := h.stage.step(ctx, run, "Compiling "+h.outputType); err != nil {
		return err
	}
	path := h.stage.outputPath(run, h.outputType, "csv")
	n, err := h.compile(printable, path, h.stage.reporter(ctx, run))
	if err != nil {
		return fmt.Errorf("compile %s: %w", h.outputType, err)
	}
	h.stage.Log.Debugf("task %s: %d %s rows", taskID, n, h.outputType)

	return h.stage.finish(ctx, run, []model.OutputFile{outputFile(path, h.outputType, "")})
}
