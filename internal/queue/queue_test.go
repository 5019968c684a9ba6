package queue

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ytget/dlsched/internal/model"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTask(id string, p model.Priority, offset time.Duration, deps ...string) model.Task {
	return model.Task{
		ID:           id,
		URL:          "https://example.com/" + id,
		Priority:     p,
		CreatedAt:    epoch.Add(offset),
		Dependencies: deps,
	}
}

func TestNextReady_PriorityOrdering(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("A", model.PriorityLow, 0)))
	require.NoError(t, q.Admit(newTask("B", model.PriorityCritical, time.Second)))
	require.NoError(t, q.Admit(newTask("C", model.PriorityNormal, 2*time.Second)))

	var order []string
	for i := 0; i < 3; i++ {
		task, ok := q.NextReady()
		require.True(t, ok)
		assert.Equal(t, model.TaskStatusRunning, task.Status)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"B", "C", "A"}, order)

	_, ok := q.NextReady()
	assert.False(t, ok)
}

func TestNextReady_TieBreaksOnCreatedAtThenID(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("b", model.PriorityHigh, 0)))
	require.NoError(t, q.Admit(newTask("a", model.PriorityHigh, 0)))
	require.NoError(t, q.Admit(newTask("c", model.PriorityHigh, -time.Second)))

	var order []string
	for i := 0; i < 3; i++ {
		task, ok := q.NextReady()
		require.True(t, ok)
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestNextReady_DependencyGating(t *testing.T) {
	q := New(WithConcurrency(5))
	// X is admitted before the task it depends on exists
	require.NoError(t, q.Admit(newTask("X", model.PriorityCritical, 0, "Y")))
	require.NoError(t, q.Admit(newTask("Y", model.PriorityLow, time.Second)))

	y, _ := q.Get("Y")
	assert.Equal(t, []string{"X"}, y.Dependents)

	task, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "Y", task.ID)

	_, ok = q.NextReady()
	assert.False(t, ok, "X must wait until Y completes")

	require.NoError(t, q.Complete("Y"))

	task, ok = q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "X", task.ID)
}

func TestNextReady_BlockedTaskDoesNotStarveOthers(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("dep", model.PriorityLow, 0)))
	require.NoError(t, q.Admit(newTask("blocked", model.PriorityCritical, 0, "dep")))
	require.NoError(t, q.Admit(newTask("free", model.PriorityNormal, 0)))

	first, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "free", first.ID)

	second, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "dep", second.ID)

	blocked, ok := q.Get("blocked")
	require.True(t, ok)
	assert.Equal(t, model.TaskStatusPending, blocked.Status)
	assert.Equal(t, 1, q.Status().Pending)
}

func TestNextReady_ConcurrencyBudget(t *testing.T) {
	q := New(WithConcurrency(1))
	require.NoError(t, q.Admit(newTask("a", model.PriorityNormal, 0)))
	require.NoError(t, q.Admit(newTask("b", model.PriorityNormal, time.Second)))

	_, ok := q.NextReady()
	require.True(t, ok)
	_, ok = q.NextReady()
	assert.False(t, ok, "budget of one is exhausted")

	require.NoError(t, q.Complete("a"))
	task, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "b", task.ID)
}

func TestNextReady_NeverReturnsUnsatisfiedTask(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := New(WithConcurrency(DefaultCeiling), WithCeiling(DefaultCeiling))

	const n = 60
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < rng.Intn(3); j++ {
			// forward and backward references, cycles are rejected
			deps = append(deps, fmt.Sprintf("t%d", rng.Intn(n)))
		}
		task := newTask(fmt.Sprintf("t%d", i), model.Priority(rng.Intn(4)), time.Duration(rng.Intn(1000))*time.Millisecond, deps...)
		_ = q.Admit(task)
	}

	completed := make(map[string]bool)
	for rounds := 0; rounds < 1000; rounds++ {
		task, ok := q.NextReady()
		if !ok {
			break
		}
		for _, dep := range task.Dependencies {
			require.True(t, completed[dep], "task %s returned before dependency %s completed", task.ID, dep)
		}
		require.NoError(t, q.Complete(task.ID))
		completed[task.ID] = true
	}
}

func TestAdmit_Rejections(t *testing.T) {
	q := New()
	require.NoError(t, q.Admit(newTask("a", model.PriorityNormal, 0)))

	tests := []struct {
		name string
		task model.Task
		want error
	}{
		{"empty id", newTask("", model.PriorityNormal, 0), ErrInvalidTask},
		{"bad priority", newTask("p", model.Priority(9), 0), ErrInvalidTask},
		{"duplicate pending", newTask("a", model.PriorityHigh, 0), ErrDuplicateTask},
		{"self dependency", newTask("s", model.PriorityNormal, 0, "s"), ErrDependencyCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Admit(tt.task)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			var admission *AdmissionError
			assert.ErrorAs(t, err, &admission)
		})
	}
}

func TestAdmit_DuplicateOfTerminalTask(t *testing.T) {
	q := New()
	require.NoError(t, q.Admit(newTask("a", model.PriorityNormal, 0)))
	_, ok := q.NextReady()
	require.True(t, ok)
	require.NoError(t, q.Complete("a"))

	err := q.Admit(newTask("a", model.PriorityNormal, 0))
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestAdmit_ForwardReferenceCycle(t *testing.T) {
	q := New()
	require.NoError(t, q.Admit(newTask("a", model.PriorityNormal, 0, "b")))
	err := q.Admit(newTask("b", model.PriorityNormal, 0, "a"))
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestWithdraw(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("dep", model.PriorityNormal, 0)))
	require.NoError(t, q.Admit(newTask("mid", model.PriorityNormal, time.Second, "dep")))
	require.NoError(t, q.Admit(newTask("top", model.PriorityNormal, 2*time.Second, "mid")))

	assert.True(t, q.Withdraw("mid"))
	assert.False(t, q.Withdraw("mid"), "second withdraw is a no-op")

	dep, _ := q.Get("dep")
	assert.Empty(t, dep.Dependents)
	top, _ := q.Get("top")
	assert.Empty(t, top.Dependencies)

	running, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "dep", running.ID)
	assert.False(t, q.Withdraw("dep"), "running tasks cannot be withdrawn")

	require.NoError(t, q.Complete("dep"))
	assert.False(t, q.Withdraw("dep"), "terminal tasks cannot be withdrawn")
	assert.False(t, q.Withdraw("unknown"))
}

func TestReprioritize(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("a", model.PriorityLow, 0)))
	require.NoError(t, q.Admit(newTask("b", model.PriorityNormal, 0)))

	assert.True(t, q.Reprioritize("a", model.PriorityCritical))
	assert.False(t, q.Reprioritize("a", model.Priority(-1)))

	task, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "a", task.ID)
	assert.False(t, q.Reprioritize("a", model.PriorityLow), "running tasks keep their priority")
	assert.False(t, q.Reprioritize("missing", model.PriorityLow))
}

func TestAddDependency(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("a", model.PriorityHigh, 0)))
	require.NoError(t, q.Admit(newTask("b", model.PriorityLow, 0)))
	require.NoError(t, q.Admit(newTask("c", model.PriorityLow, 0)))

	ok, err := q.AddDependency("a", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AddDependency("b", "c")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.AddDependency("c", "a")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDependencyCycle)

	ok, err = q.AddDependency("a", "a")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDependencyCycle)

	ok, err = q.AddDependency("a", "missing")
	assert.False(t, ok)
	assert.NoError(t, err)

	ok, err = q.AddDependency("missing", "a")
	assert.False(t, ok)
	assert.NoError(t, err)

	a, _ := q.Get("a")
	b, _ := q.Get("b")
	assert.Equal(t, []string{"b"}, a.Dependencies)
	assert.Equal(t, []string{"a"}, b.Dependents)

	task, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "c", task.ID)
}

func TestFail_CascadesToDependents(t *testing.T) {
	var cascaded []string
	q := New(WithConcurrency(5), WithHooks(Hooks{
		DependentFailed: func(task model.Task) { cascaded = append(cascaded, task.ID) },
	}))
	require.NoError(t, q.Admit(newTask("root", model.PriorityNormal, 0)))
	require.NoError(t, q.Admit(newTask("child", model.PriorityNormal, 0, "root")))
	require.NoError(t, q.Admit(newTask("grandchild", model.PriorityNormal, 0, "child")))
	require.NoError(t, q.Admit(newTask("other", model.PriorityLow, 0)))

	task, ok := q.NextReady()
	require.True(t, ok)
	require.Equal(t, "root", task.ID)
	require.NoError(t, q.Fail("root", "boom"))

	assert.ElementsMatch(t, []string{"child", "grandchild"}, cascaded)

	status := q.Status()
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 3, status.Failed)
	assert.Equal(t, "boom", status.Failures["root"])
	assert.Equal(t, "dependency root failed", status.Failures["child"])
	assert.Equal(t, "dependency child failed", status.Failures["grandchild"])

	err := q.Admit(newTask("late", model.PriorityNormal, 0, "root"))
	assert.ErrorIs(t, err, ErrDependencyFailed)
}

func TestCompleteAndFail_RequireRunning(t *testing.T) {
	q := New()
	require.NoError(t, q.Admit(newTask("a", model.PriorityNormal, 0)))

	assert.ErrorIs(t, q.Complete("a"), ErrNotRunning)
	assert.ErrorIs(t, q.Fail("a", "x"), ErrNotRunning)
	assert.ErrorIs(t, q.Complete("missing"), ErrUnknownTask)

	_, ok := q.NextReady()
	require.True(t, ok)
	require.NoError(t, q.Complete("a"))
	assert.ErrorIs(t, q.Complete("a"), ErrNotRunning, "terminal tasks are immutable")

	task, _ := q.Get("a")
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress)
}

func TestRequeue(t *testing.T) {
	q := New(WithConcurrency(5))
	require.NoError(t, q.Admit(newTask("a", model.PriorityHigh, 0)))
	require.NoError(t, q.Admit(newTask("b", model.PriorityLow, 0)))

	task, ok := q.NextReady()
	require.True(t, ok)
	require.True(t, q.Requeue(task.ID))
	assert.False(t, q.Requeue(task.ID))

	again, ok := q.NextReady()
	require.True(t, ok)
	assert.Equal(t, "a", again.ID, "requeued task keeps its position")
}

func TestStatus_Counts(t *testing.T) {
	q := New(WithConcurrency(5))
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Admit(newTask(fmt.Sprintf("t%d", i), model.PriorityNormal, time.Duration(i))))
	}
	a, _ := q.NextReady()
	b, _ := q.NextReady()
	_, _ = q.NextReady()
	require.NoError(t, q.Complete(a.ID))
	require.NoError(t, q.Fail(b.ID, "network"))

	status := q.Status()
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Running)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, map[string]string{b.ID: "network"}, status.Failures)
}

func TestUpdateProgress_OnlyRunning(t *testing.T) {
	q := New()
	require.NoError(t, q.Admit(newTask("a", model.PriorityNormal, 0)))
	assert.False(t, q.UpdateProgress("a", 10), "pending")

	_, _ = q.NextReady()
	assert.True(t, q.UpdateProgress("a", 140))
	task, _ := q.Get("a")
	assert.Equal(t, 100, task.Progress)

	require.NoError(t, q.Complete("a"))
	assert.False(t, q.UpdateProgress("a", 10))
	assert.False(t, q.UpdateProgress("missing", 10))
}
