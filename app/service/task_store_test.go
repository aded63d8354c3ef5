package service

import (
	"context"
	"errors"
	"testing"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	return NewTaskStore(openTestDB(t), logger.Nop())
}

func createTask(t *testing.T, s *TaskStore, taskType string, subtasks ...model.Subtask) *model.Task {
	t.Helper()
	task := &model.Task{Type: taskType, Subtasks: subtasks, Upload: "upload.csv"}
	if err := s.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	task := createTask(t, s, model.TaskTypeLabels, model.Subtask{Type: model.TaskTypeLabels, Input: model.InputUpload})

	if task.ID == "" {
		t.Fatalf("no id assigned")
	}
	got, err := s.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskStatusPending || got.Progress != nil {
		t.Fatalf("new task: status %s progress %+v", got.Status, got.Progress)
	}
	if len(got.Subtasks) != 1 || got.Subtasks[0].Input != model.InputUpload {
		t.Fatalf("subtasks = %+v", got.Subtasks)
	}

	got, err = s.LogStep(ctx, task.ID, "Reading upload")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskStatusRunning || got.Progress == nil || got.Progress.CurrentStep != "Reading upload" {
		t.Fatalf("after LogStep: status %s progress %+v", got.Status, got.Progress)
	}

	s.UpdateProgressPercentageByID(ctx, task.ID, 40)
	got, _ = s.UpdateProgressPercentageByID(ctx, task.ID, 25)
	if got.Progress.Percentage != 40 {
		t.Fatalf("percentage went back to %v", got.Progress.Percentage)
	}

	got, err = s.UpdateSubtaskOutputsByID(ctx, task.ID, model.SubtaskOutput{
		Type:    model.TaskTypeLabels,
		Outputs: []model.OutputFile{{URI: "labels/a.png", FileName: "a.png", Type: model.OutputLabels}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != nil || got.Status != model.TaskStatusRunning {
		t.Fatalf("after subtask outputs: status %s progress %+v", got.Status, got.Progress)
	}

	got, err = s.UpdateResultByID(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.TaskStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("after result: status %s completedAt %v", got.Status, got.CompletedAt)
	}

	got, _ = s.Get(ctx, task.ID)
	if got.Result == nil || len(got.Result.SubtaskOutputs) != 1 || got.Result.SubtaskOutputs[0].Outputs[0].FileName != "a.png" {
		t.Fatalf("result = %+v", got.Result)
	}
}

func TestTerminalTasksAreFrozen(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	task := createTask(t, s, model.TaskTypeEmails)

	if _, err := s.UpdateFailureByID(ctx, task.ID, errors.New("boom")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LogStep(ctx, task.ID, "late"); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("LogStep on failed task: %v", err)
	}
	if _, err := s.UpdateResultByID(ctx, task.ID); !errors.Is(err, ErrTaskTerminal) {
		t.Fatalf("UpdateResultByID on failed task: %v", err)
	}

	got, _ := s.Get(ctx, task.ID)
	if got.Status != model.TaskStatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.Warnings) != 1 || got.Warnings[0] != "boom" {
		t.Fatalf("warnings = %v", got.Warnings)
	}
}

func TestFailureDropsPartialResult(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	task := createTask(t, s, model.TaskTypeObservations)

	s.UpdateSubtaskOutputsByID(ctx, task.ID, model.SubtaskOutput{Type: model.TaskTypeObservations})
	s.LogStep(ctx, task.ID, "Indexing")
	got, err := s.UpdateFailureByID(ctx, task.ID, ErrInfiniteUpdateLoop)
	if err != nil {
		t.Fatal(err)
	}
	if got.Result != nil || got.Progress != nil || got.CompletedAt == nil {
		t.Fatalf("failed task kept state: result %+v progress %+v", got.Result, got.Progress)
	}
}

func TestWarningsAppend(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	task := createTask(t, s, model.TaskTypePivots)

	s.UpdateWarningsByID(ctx, task.ID, "one")
	got, err := s.UpdateWarningsByID(ctx, task.ID, "two", "three")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Warnings) != 3 || got.Warnings[2] != "three" {
		t.Fatalf("warnings = %v", got.Warnings)
	}
}

func TestMissingTask(t *testing.T) {
	s := newTestTaskStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.LogStep(context.Background(), "nope", "x"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("LogStep: %v", err)
	}
}

func TestReporterPercentages(t *testing.T) {
	s := newTestTaskStore(t)
	ctx := context.Background()
	task := createTask(t, s, model.TaskTypeLabels)

	report := s.Reporter(ctx, task.ID)
	report(1, 4)
	report(0, 0)
	report(3, 4)

	got, _ := s.Get(ctx, task.ID)
	if got.Progress == nil || got.Progress.Percentage != 75 {
		t.Fatalf("progress = %+v", got.Progress)
	}
}
