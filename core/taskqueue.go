package core

// taskqueue.go is the crash-resumable task queue of spec §4.9: a durable
// ordered list of tasks with named checkpoints, persisted via atomic
// write-to-temp-then-rename after every mutation, mirroring state_store.go's
// persistence idiom (itself grounded on the teacher's HA_Snapshot/HA_Restore
// JSON-file pattern).

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"synnergy-network/pkg/utils"
)

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Checkpoint is one named, durable, resumable point within a task.
type Checkpoint struct {
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Task is a durable unit of long-running work (spec §3).
type Task struct {
	TaskID      string          `json:"task_id"`
	Type        string          `json:"type"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Status      TaskStatus      `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Checkpoints []Checkpoint    `json:"checkpoints,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// LatestCheckpoint returns the most recently added checkpoint, if any.
func (t Task) LatestCheckpoint() (Checkpoint, bool) {
	if len(t.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return t.Checkpoints[len(t.Checkpoints)-1], true
}

// TaskQueue persists the list of Tasks to a single JSON file, rewritten
// atomically after every mutation (spec §4.9, §5's "task-queue file owned
// by the primary only").
type TaskQueue struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*Task
	order []string
}

// NewTaskQueue loads an existing queue file, or starts empty if none exists.
func NewTaskQueue(path string) (*TaskQueue, error) {
	q := &TaskQueue{path: path, tasks: make(map[string]*Task)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return q, nil
		}
		return nil, utils.Wrap(err, "task queue: read")
	}
	var stored []Task
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, utils.Wrap(err, "task queue: corrupt file")
	}
	for i := range stored {
		t := stored[i]
		q.tasks[t.TaskID] = &t
		q.order = append(q.order, t.TaskID)
	}
	return q, nil
}

// persist serializes the ordered task list and writes it atomically.
// Callers must hold q.mu.
func (q *TaskQueue) persist() error {
	list := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		if t, ok := q.tasks[id]; ok {
			list = append(list, *t)
		}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return utils.Wrap(err, "task queue: marshal")
	}
	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".task-queue-*.tmp")
	if err != nil {
		return utils.Wrap(err, "task queue: temp file")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return utils.Wrap(err, "task queue: write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, q.path)
}

// AddTask creates and persists a new pending task.
func (q *TaskQueue) AddTask(taskType string, input json.RawMessage) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Task{
		TaskID: uuid.New().String(),
		Type:   taskType,
		Input:  input,
		Status: TaskPending,
	}
	q.tasks[t.TaskID] = t
	q.order = append(q.order, t.TaskID)
	if err := q.persist(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// StartTask transitions a pending task to running, stamping StartedAt.
func (q *TaskQueue) StartTask(id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task queue: unknown task %q", id)
	}
	t.Status = TaskRunning
	t.StartedAt = time.Now().UTC()
	if err := q.persist(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// AddCheckpoint appends a named checkpoint to the task's history.
func (q *TaskQueue) AddCheckpoint(id, name string, data json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task queue: unknown task %q", id)
	}
	t.Checkpoints = append(t.Checkpoints, Checkpoint{Name: name, Data: data, Timestamp: time.Now().UTC()})
	return q.persist()
}

// CompleteTask marks a task completed with the given output.
func (q *TaskQueue) CompleteTask(id string, output json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task queue: unknown task %q", id)
	}
	now := time.Now().UTC()
	t.Status = TaskCompleted
	t.Output = output
	t.CompletedAt = &now
	return q.persist()
}

// FailTask marks a task failed with the given error message.
func (q *TaskQueue) FailTask(id string, taskErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task queue: unknown task %q", id)
	}
	now := time.Now().UTC()
	t.Status = TaskFailed
	t.CompletedAt = &now
	if taskErr != nil {
		t.Error = taskErr.Error()
	}
	return q.persist()
}

// RecoverTasks returns every task whose status is still "running" after a
// restart, each paired with its most recent checkpoint name (spec §4.9).
func (q *TaskQueue) RecoverTasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Task
	for _, id := range q.order {
		t, ok := q.tasks[id]
		if !ok || t.Status != TaskRunning {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// ResumeFrom returns the checkpoint name a caller should resume from for a
// recovered task, or "" if the task has no checkpoints yet.
func ResumeFrom(t Task) string {
	cp, ok := t.LatestCheckpoint()
	if !ok {
		return ""
	}
	return cp.Name
}

// Get returns a copy of the task with the given id.
func (q *TaskQueue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}
