package model

import (
	"strings"
	"testing"
)

func TestTask_DisplayName(t *testing.T) {
	tests := []struct {
		title       string
		destination string
		url         string
		expected    string
	}{
		{"Video Title", "", "https://example.com/a.bin", "Video Title"},
		{"", "/downloads/archive.tar.gz", "https://example.com/a.bin", "archive.tar"},
		{"", `C:\dl\movie.mp4`, "https://example.com/a.bin", "movie"},
		{"https://example.com/x", "", "https://example.com/a.bin", "https://example.com/a.bin"},
		{"", "", "https://example.com/a.bin", "https://example.com/a.bin"},
	}

	for _, test := range tests {
		task := &Task{Title: test.title, Destination: test.destination, URL: test.url}
		result := task.DisplayName()
		if result != test.expected {
			t.Errorf("DisplayName() with title='%s', destination='%s' = '%s', expected '%s'",
				test.title, test.destination, result, test.expected)
		}
	}
}

func TestNewTask(t *testing.T) {
	task := NewTask("https://example.com/file.zip", PriorityHigh)

	if task.Status != TaskStatusPending {
		t.Errorf("Expected status to be TaskStatusPending, got %s", task.Status)
	}
	if task.TotalItems != 1 {
		t.Errorf("Expected TotalItems to be 1, got %d", task.TotalItems)
	}
	if task.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
	if !strings.HasPrefix(task.ID, TaskIDPrefix) {
		t.Errorf("Expected ID to start with '%s', got: %s", TaskIDPrefix, task.ID)
	}
}

func TestNewTaskID(t *testing.T) {
	id1 := NewTaskID()
	id2 := NewTaskID()

	if id1 == id2 {
		t.Error("Expected different task IDs")
	}

	// task- + 36 chars for UUID
	if len(id1) != len(TaskIDPrefix)+36 {
		t.Errorf("Expected ID length %d, got %d for ID: %s", len(TaskIDPrefix)+36, len(id1), id1)
	}

	if !strings.HasPrefix(NewBatchID(), BatchIDPrefix) {
		t.Error("Expected batch ID prefix")
	}
}

func TestTask_Clone(t *testing.T) {
	orig := Task{ID: "a", Dependencies: []string{"b"}, Dependents: []string{"c"}}
	c := orig.Clone()
	c.Dependencies[0] = "x"
	c.Dependents[0] = "y"

	if orig.Dependencies[0] != "b" || orig.Dependents[0] != "c" {
		t.Error("Clone should not share slices with the original")
	}
}

func TestStableTaskID(t *testing.T) {
	a := StableTaskID("xxh:00000000000000ff")
	if !strings.HasPrefix(a, TaskIDPrefix) {
		t.Errorf("Expected prefix %s, got %s", TaskIDPrefix, a)
	}
	if b := StableTaskID("xxh:00000000000000ff"); a != b {
		t.Errorf("StableTaskID not deterministic: %s != %s", a, b)
	}
	if c := StableTaskID("yt:abc"); a == c {
		t.Errorf("Expected different IDs for different keys, both %s", a)
	}
}
