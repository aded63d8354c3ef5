package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"
)

var (
	ErrNoSubtasks        = errors.New("pipeline: task has no subtasks")
	ErrUnknownSubtask    = errors.New("pipeline: no handler for subtask type")
	ErrSubtaskMissing    = errors.New("pipeline: task has no subtask of this type")
	ErrBadInputReference = errors.New("pipeline: malformed input reference")
	ErrInputNotFound     = errors.New("pipeline: input not found")
)

// SubtaskHandler runs one kind of subtask for a task. Handlers rebuild their working
// set from scratch on every call, so running one twice is safe.
type SubtaskHandler interface {
	Type() string
	HandleTask(ctx context.Context, taskID string) error
}

// Trimmer caps the files kept in an output directory.
type Trimmer interface {
	Trim(ctx context.Context, dir string) error
}

// Stage carries the services every handler needs.
type Stage struct {
	Tasks       *TaskStore
	Occurrences *OccurrenceStore
	DataDir     string
	Retention   Trimmer
	Log         *logger.Logger
}

type subtaskRun struct {
	task    *model.Task
	index   int
	subtask model.Subtask
}

// begin loads the task and marks subtaskType as the running subtask. The subtask is the
// first one of that type without a recorded output.
func (s *Stage) begin(ctx context.Context, taskID, subtaskType string) (*subtaskRun, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var index int
	done := 0
	if task.Result != nil {
		done = len(task.Result.SubtaskOutputs)
	}
	if done < len(task.Subtasks) && task.Subtasks[done].Type == subtaskType {
		index = done
	} else {
		index = task.SubtaskIndex(subtaskType)
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %s in task %s", ErrSubtaskMissing, subtaskType, taskID)
	}

	task, err = s.Tasks.UpdateCurrentSubtaskByID(ctx, taskID, subtaskType)
	if err != nil {
		return nil, err
	}
	s.Log.Infof("task %s: subtask %d (%s) started", taskID, index, subtaskType)
	return &subtaskRun{task: task, index: index, subtask: task.Subtasks[index]}, nil
}

func (s *Stage) step(ctx context.Context, run *subtaskRun, name string) error {
	_, err := s.Tasks.LogStep(ctx, run.task.ID, name)
	return err
}

// ingest rebuilds the working set from the subtask's input file.
func (s *Stage) ingest(ctx context.Context, run *subtaskRun) (InsertResult, error) {
	if err := s.step(ctx, run, "Reading input"); err != nil {
		return InsertResult{}, err
	}
	path, err := ResolveInput(run.task, run.subtask.Input)
	if err != nil {
		return InsertResult{}, err
	}
	if err := s.Occurrences.ClearScratch(ctx); err != nil {
		return InsertResult{}, err
	}
	return s.Occurrences.CreateOccurrencesFromFile(ctx, path)
}

// outputPath is {dataDir}/{outputType}/{tag}_{outputType}.{ext}.
func (s *Stage) outputPath(run *subtaskRun, outputType, ext string) string {
	return filepath.Join(s.outputDir(outputType), fmt.Sprintf("%s_%s.%s", run.task.Tag(), outputType, ext))
}

func (s *Stage) outputDir(outputType string) string {
	return filepath.Join(s.DataDir, outputType)
}

// finish records the outputs of the subtask and trims their directories.
func (s *Stage) finish(ctx context.Context, run *subtaskRun, outputs []model.OutputFile) error {
	_, err := s.Tasks.UpdateSubtaskOutputsByID(ctx, run.task.ID, model.SubtaskOutput{
		Type:    run.subtask.Type,
		Outputs: outputs,
	})
	if err != nil {
		return err
	}

	if s.Retention != nil {
		trimmed := make(map[string]bool)
		for _, o := range outputs {
			dir := filepath.Dir(o.URI)
			if trimmed[dir] {
				continue
			}
			trimmed[dir] = true
			if err := s.Retention.Trim(ctx, dir); err != nil {
				s.Log.Warnf("task %s: trim %s: %v", run.task.ID, dir, err)
			}
		}
	}

	s.Log.Infof("task %s: subtask %d (%s) wrote %d files", run.task.ID, run.index, run.subtask.Type, len(outputs))
	return nil
}

func (s *Stage) reporter(ctx context.Context, run *subtaskRun) func(done, total int) {
	return s.Tasks.Reporter(ctx, run.task.ID)
}

func outputFile(path, outputType, subtype string) model.OutputFile {
	return model.OutputFile{URI: path, FileName: filepath.Base(path), Type: outputType, Subtype: subtype}
}

// wants reports whether the subtask declared outputType. A subtask declaring nothing
// produces every output it can.
func wants(st model.Subtask, outputType string) bool {
	if len(st.Outputs) == 0 {
		return true
	}
	for _, o := range st.Outputs {
		if o == outputType {
			return true
		}
	}
	return false
}

// ResolveInput returns the file a subtask reads: the upload, or for "{index}_{type}"
// the output of that type recorded by an earlier subtask.
func ResolveInput(task *model.Task, input string) (string, error) {
	if input == "" || input == model.InputUpload {
		return task.Upload, nil
	}

	indexPart, outputType, found := strings.Cut(input, "_")
	if !found || outputType == "" {
		return "", fmt.Errorf("%w: %q", ErrBadInputReference, input)
	}
	index, err := strconv.Atoi(indexPart)
	if err != nil || index < 0 {
		return "", fmt.Errorf("%w: %q", ErrBadInputReference, input)
	}

	block, ok := task.OutputsOf(index)
	if !ok {
		return "", fmt.Errorf("%w: subtask %d has no outputs", ErrInputNotFound, index)
	}
	for _, o := range block.Outputs {
		if o.Type == outputType {
			return o.URI, nil
		}
	}
	return "", fmt.Errorf("%w: subtask %d wrote no %s", ErrInputNotFound, index, outputType)
}

// Dispatcher runs the subtasks of a task in order with the registered handlers.
type Dispatcher struct {
	handlers map[string]SubtaskHandler
	log      *logger.Logger
}

func NewDispatcher(log *logger.Logger, handlers ...SubtaskHandler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]SubtaskHandler, len(handlers)), log: log}
	for _, h := range handlers {
		d.handlers[h.Type()] = h
	}
	return d
}

// Dispatch checks every subtask has a handler before running any of them.
func (d *Dispatcher) Dispatch(ctx context.Context, task *model.Task) error {
	if len(task.Subtasks) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSubtasks, task.ID)
	}
	for _, st := range task.Subtasks {
		if _, ok := d.handlers[st.Type]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSubtask, st.Type)
		}
	}

	d.log.Debugf("task %s: running %d subtasks", task.ID, len(task.Subtasks))
	for i, st := range task.Subtasks {
		if err := d.handlers[st.Type].HandleTask(ctx, task.ID); err != nil {
			return fmt.Errorf("subtask %d (%s): %w", i, st.Type, err)
		}
	}
	return nil
}
