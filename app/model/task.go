package model

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task kinds accepted by the dispatcher.
const (
	TaskTypeObservations = "observations"
	TaskTypeLabels       = "labels"
	TaskTypeAddresses    = "addresses"
	TaskTypeEmails       = "emails"
	TaskTypePivots       = "pivots"
)

// Output types. Each one is also the name of its directory under the data dir.
const (
	OutputOccurrences = "occurrences"
	OutputFlags       = "flags"
	OutputDuplicates  = "duplicates"
	OutputLabels      = "labels"
	OutputAddresses   = "addresses"
	OutputEmails      = "emails"
	OutputPivots      = "pivots"
)

// InputUpload marks a subtask that reads the task's uploaded file.
const InputUpload = "upload"

// Subtask is one stage of a task. Input is either InputUpload or "{index}_{outputType}".
type Subtask struct {
	Type    string   `json:"type"`
	Input   string   `json:"input"`
	Outputs []string `json:"outputs,omitempty"`
}

// OutputFile describes one file written by a subtask.
type OutputFile struct {
	URI      string `json:"uri"`
	FileName string `json:"fileName"`
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
}

// SubtaskOutput is the output block appended when a subtask completes.
type SubtaskOutput struct {
	Type    string       `json:"type"`
	Outputs []OutputFile `json:"outputs"`
}

type Progress struct {
	CurrentStep string  `json:"currentStep"`
	Percentage  float64 `json:"percentage"`
}

type TaskResult struct {
	SubtaskOutputs []SubtaskOutput `json:"subtaskOutputs"`
}

// Task is one end-to-end job with an ordered list of subtasks.
type Task struct {
	ID             string                       `gorm:"primaryKey;size:36" json:"id"`
	Type           string                       `gorm:"size:32;not null;index" json:"type"`
	Subtasks       datatypes.JSONSlice[Subtask] `json:"subtasks"`
	Upload         string                       `gorm:"type:text" json:"upload,omitempty"`
	SourceURL      string                       `gorm:"type:text" json:"sourceUrl,omitempty"`
	Status         TaskStatus                   `gorm:"size:20;default:'pending';index" json:"status"`
	CurrentSubtask string                       `gorm:"size:32" json:"currentSubtask,omitempty"`
	Progress       *Progress                    `gorm:"serializer:json" json:"progress,omitempty"`
	Warnings       datatypes.JSONSlice[string]  `json:"warnings,omitempty"`
	Result         *TaskResult                  `gorm:"serializer:json" json:"result,omitempty"`
	CreatedAt      time.Time                    `json:"createdAt"`
	UpdatedAt      time.Time                    `json:"updatedAt"`
	CompletedAt    *time.Time                   `json:"completedAt,omitempty"`
}

func (Task) TableName() string {
	return "tasks"
}

// Tag is the short task marker embedded in output file names.
func (t *Task) Tag() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// SubtaskIndex returns the position of the first subtask of the given type, or -1.
func (t *Task) SubtaskIndex(subtaskType string) int {
	for i, st := range t.Subtasks {
		if st.Type == subtaskType {
			return i
		}
	}
	return -1
}

// OutputsOf returns the output block recorded for the subtask at index.
func (t *Task) OutputsOf(index int) (SubtaskOutput, bool) {
	if t.Result == nil || index < 0 || index >= len(t.Result.SubtaskOutputs) {
		return SubtaskOutput{}, false
	}
	return t.Result.SubtaskOutputs[index], true
}

// DefaultSubtasks returns the standard subtask plan of a task type. Every plan starts by
// ingesting the upload; report stages read the occurrences written by that first stage.
func DefaultSubtasks(taskType string) ([]Subtask, bool) {
	ingest := Subtask{
		Type:    TaskTypeObservations,
		Input:   InputUpload,
		Outputs: []string{OutputOccurrences, OutputFlags, OutputDuplicates},
	}
	fromIngest := "0_" + OutputOccurrences

	switch taskType {
	case TaskTypeObservations:
		return []Subtask{ingest}, true
	case TaskTypeLabels:
		return []Subtask{ingest, {Type: TaskTypeLabels, Input: fromIngest, Outputs: []string{OutputLabels}}}, true
	case TaskTypeAddresses:
		return []Subtask{ingest, {Type: TaskTypeAddresses, Input: fromIngest, Outputs: []string{OutputAddresses}}}, true
	case TaskTypeEmails:
		return []Subtask{ingest, {Type: TaskTypeEmails, Input: fromIngest, Outputs: []string{OutputEmails}}}, true
	case TaskTypePivots:
		return []Subtask{ingest, {Type: TaskTypePivots, Input: fromIngest, Outputs: []string{OutputPivots}}}, true
	}
	return nil, false
}
