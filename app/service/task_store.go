package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"specimen-curator/app/logger"
	"specimen-curator/app/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrTaskNotFound = errors.New("tasks: not found")
	ErrTaskTerminal = errors.New("tasks: task already finished")
)

// TaskStore persists task state. Terminal tasks are never modified again.
type TaskStore struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewTaskStore(db *gorm.DB, log *logger.Logger) *TaskStore {
	return &TaskStore{db: db, log: log, now: time.Now}
}

// Create stores a new pending task, assigning an id when none is set.
func (s *TaskStore) Create(ctx context.Context, task *model.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = model.TaskStatusPending
	task.Progress = nil
	task.Result = nil
	task.CompletedAt = nil

	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	s.log.Infof("task %s created: type=%s subtasks=%d", task.ID, task.Type, len(task.Subtasks))
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListByStatus returns tasks in the given state, oldest first.
func (s *TaskStore) ListByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]model.Task, error) {
	var tasks []model.Task
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&tasks).Error
	return tasks, err
}

// update loads the task, applies fn and saves it in one transaction.
func (s *TaskStore) update(ctx context.Context, id string, fn func(task *model.Task)) (*model.Task, error) {
	var task model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&task).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}
		if task.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskTerminal, id, task.Status)
		}
		fn(&task)
		return tx.Save(&task).Error
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// start moves a pending task to running. Every progress update goes through it.
func start(task *model.Task) {
	if task.Status == model.TaskStatusPending {
		task.Status = model.TaskStatusRunning
	}
}

// UpdateCurrentSubtaskByID records which subtask is running and resets progress.
func (s *TaskStore) UpdateCurrentSubtaskByID(ctx context.Context, id, subtaskType string) (*model.Task, error) {
	return s.update(ctx, id, func(task *model.Task) {
		start(task)
		task.CurrentSubtask = subtaskType
		task.Progress = &model.Progress{}
	})
}

// LogStep starts a new named step at zero percent.
func (s *TaskStore) LogStep(ctx context.Context, id, step string) (*model.Task, error) {
	s.log.Debugf("task %s: %s", id, step)
	return s.update(ctx, id, func(task *model.Task) {
		start(task)
		task.Progress = &model.Progress{CurrentStep: step}
	})
}

// UpdateProgressPercentageByID sets the percentage of the current step. Within a step
// the percentage never goes down.
func (s *TaskStore) UpdateProgressPercentageByID(ctx context.Context, id string, percentage float64) (*model.Task, error) {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	return s.update(ctx, id, func(task *model.Task) {
		start(task)
		if task.Progress == nil {
			task.Progress = &model.Progress{}
		}
		if percentage > task.Progress.Percentage {
			task.Progress.Percentage = percentage
		}
	})
}

// UpdateWarningsByID appends warnings to the task.
func (s *TaskStore) UpdateWarningsByID(ctx context.Context, id string, warnings ...string) (*model.Task, error) {
	if len(warnings) == 0 {
		return s.Get(ctx, id)
	}
	return s.update(ctx, id, func(task *model.Task) {
		task.Warnings = append(task.Warnings, warnings...)
	})
}

// UpdateSubtaskOutputsByID appends the output block of a finished subtask and clears
// progress. The task itself keeps running.
func (s *TaskStore) UpdateSubtaskOutputsByID(ctx context.Context, id string, output model.SubtaskOutput) (*model.Task, error) {
	return s.update(ctx, id, func(task *model.Task) {
		start(task)
		if task.Result == nil {
			task.Result = &model.TaskResult{}
		}
		task.Result.SubtaskOutputs = append(task.Result.SubtaskOutputs, output)
		task.Progress = nil
	})
}

// UpdateResultByID completes the task with the outputs gathered so far.
func (s *TaskStore) UpdateResultByID(ctx context.Context, id string) (*model.Task, error) {
	return s.update(ctx, id, func(task *model.Task) {
		now := s.now()
		task.Status = model.TaskStatusCompleted
		task.Progress = nil
		task.CurrentSubtask = ""
		task.CompletedAt = &now
		if task.Result == nil {
			task.Result = &model.TaskResult{}
		}
	})
}

// UpdateFailureByID fails the task. Partial results are dropped and the cause is kept
// as a warning.
func (s *TaskStore) UpdateFailureByID(ctx context.Context, id string, cause error) (*model.Task, error) {
	return s.update(ctx, id, func(task *model.Task) {
		now := s.now()
		task.Status = model.TaskStatusFailed
		task.Progress = nil
		task.Result = nil
		task.CompletedAt = &now
		if cause != nil {
			task.Warnings = append(task.Warnings, cause.Error())
		}
	})
}

// Reporter returns a progress callback for the given task. Store errors are logged
// and otherwise ignored so progress never fails a step.
func (s *TaskStore) Reporter(ctx context.Context, id string) func(done, total int) {
	return func(done, total int) {
		if total <= 0 {
			return
		}
		pct := float64(done) / float64(total) * 100
		if _, err := s.UpdateProgressPercentageByID(ctx, id, pct); err != nil {
			s.log.Warnf("task %s: update progress: %v", id, err)
		}
	}
}
