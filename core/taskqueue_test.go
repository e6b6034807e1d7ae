package core

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestTaskQueueLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-queue.json")
	q, err := NewTaskQueue(path)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	task, err := q.AddTask("RESEARCH", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := q.StartTask(task.TaskID); err != nil {
		t.Fatalf("start task: %v", err)
	}
	if err := q.AddCheckpoint(task.TaskID, "MARKETS_FETCHED", nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := q.CompleteTask(task.TaskID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, ok := q.Get(task.TaskID)
	if !ok || got.Status != TaskCompleted {
		t.Fatalf("expected task completed, got %+v", got)
	}
}

func TestTaskQueueRecoversRunningTasksAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-queue.json")
	q, err := NewTaskQueue(path)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	task, err := q.AddTask("RESEARCH", nil)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if _, err := q.StartTask(task.TaskID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := q.AddCheckpoint(task.TaskID, "MARKETS_FETCHED", nil); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	reopened, err := NewTaskQueue(path)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	running := reopened.RecoverTasks()
	if len(running) != 1 {
		t.Fatalf("expected 1 running task after crash, got %d", len(running))
	}
	if ResumeFrom(running[0]) != "MARKETS_FETCHED" {
		t.Fatalf("expected resumeFrom MARKETS_FETCHED, got %q", ResumeFrom(running[0]))
	}
}

func TestTaskQueueFailTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task-queue.json")
	q, err := NewTaskQueue(path)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	task, err := q.AddTask("EXECUTION", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := q.FailTask(task.TaskID, errors.New("boom")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, _ := q.Get(task.TaskID)
	if got.Status != TaskFailed || got.Error != "boom" {
		t.Fatalf("expected failed task with error, got %+v", got)
	}
}
