package distributed

import (
	"fmt"
	"sync"
	"time"
)

const (
	maxAttempts    = 3
	defaultTimeout = 10 * time.Second
)

type TaskState int

const (
	TaskIdle TaskState = iota
	TaskInProgress
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskInProgress:
		return "in-progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

type TaskType int

const (
	MapTask TaskType = iota
	ReduceTask
	// WaitTask tells a worker there is nothing to run right now.
	WaitTask
)

func (t TaskType) String() string {
	switch t {
	case MapTask:
		return "map"
	case ReduceTask:
		return "reduce"
	case WaitTask:
		return "wait"
	}
	return fmt.Sprintf("TaskType(%d)", int(t))
}

type TaskMetadata struct {
	StartTime     time.Time
	FailedWorkers map[string]int
	LastWorker    string
	Attempts      int
	LastError     string
}

type Task struct {
	Input    string
	Metadata TaskMetadata
	ID       int
	Type     TaskType
	State    TaskState
}

// TaskTracker holds the tasks of the current phase. Map tasks are replaced by
// reduce tasks once every map task has completed.
type TaskTracker struct {
	tasks            []*Task
	mu               sync.RWMutex
	nReduce          int
	nMap             int
	timeout          time.Duration
	hasStartedReduce bool
}

func NewTaskTracker(nReduce int) *TaskTracker {
	return &TaskTracker{
		nReduce: nReduce,
		timeout: defaultTimeout,
	}
}

func newTask(id int, typ TaskType, input string) *Task {
	return &Task{
		ID:    id,
		Type:  typ,
		State: TaskIdle,
		Input: input,
		Metadata: TaskMetadata{
			FailedWorkers: make(map[string]int),
		},
	}
}

func (t *TaskTracker) InitMapTasks(files []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tasks = make([]*Task, len(files))
	for i, file := range files {
		t.tasks[i] = newTask(i, MapTask, file)
	}
	t.nMap = len(files)
	t.hasStartedReduce = false
}

// AssignTask hands the lowest-numbered idle task to workerID. It returns nil
// when no task is idle.
func (t *TaskTracker) AssignTask(workerID string) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, task := range t.tasks {
		if task.State == TaskIdle {
			task.State = TaskInProgress
			task.Metadata.StartTime = time.Now()
			task.Metadata.LastWorker = workerID
			task.Metadata.Attempts++
			return task
		}
	}
	return nil
}

// CheckTimeouts puts in-progress tasks that ran past the timeout back to idle,
// or fails them once they have used up their attempts. It returns the IDs of
// the tasks it touched.
func (t *TaskTracker) CheckTimeouts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []int
	now := time.Now()
	for _, task := range t.tasks {
		if task.State == TaskInProgress && now.Sub(task.Metadata.StartTime) > t.timeout {
			t.requeueLocked(task, task.Metadata.LastWorker, "timed out")
			expired = append(expired, task.ID)
		}
	}
	return expired
}

func (t *TaskTracker) lookup(taskID int, typ TaskType) (*Task, error) {
	if taskID < 0 || taskID >= len(t.tasks) || t.tasks[taskID].Type != typ {
		return nil, fmt.Errorf("%s task %d not found", typ, taskID)
	}
	return t.tasks[taskID], nil
}

// MarkComplete records a successful attempt. It reports false when the task
// had already completed, so callers can drop duplicate results.
func (t *TaskTracker) MarkComplete(taskID int, typ TaskType) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.lookup(taskID, typ)
	if err != nil {
		return false, err
	}
	if task.State == TaskCompleted {
		return false, nil
	}
	task.State = TaskCompleted
	return true, nil
}

// ReassignFailedTask records that workerID failed the task and makes it
// available again, unless it has run out of attempts.
func (t *TaskTracker) ReassignFailedTask(taskID int, typ TaskType, workerID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.lookup(taskID, typ)
	if err != nil {
		return err
	}
	if task.State == TaskCompleted {
		return nil
	}
	return t.requeueLocked(task, workerID, reason)
}

// Touch restarts the timeout of an in-progress task still held by workerID.
// It reports whether such a task was found.
func (t *TaskTracker) Touch(taskID int, typ TaskType, workerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, err := t.lookup(taskID, typ)
	if err != nil || task.State != TaskInProgress || task.Metadata.LastWorker != workerID {
		return false
	}
	task.Metadata.StartTime = time.Now()
	return true
}

// ReleaseWorker requeues every in-progress task last assigned to workerID
// and returns their IDs.
func (t *TaskTracker) ReleaseWorker(workerID string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []int
	for _, task := range t.tasks {
		if task.State == TaskInProgress && task.Metadata.LastWorker == workerID {
			t.requeueLocked(task, workerID, "worker lost")
			released = append(released, task.ID)
		}
	}
	return released
}

func (t *TaskTracker) requeueLocked(task *Task, workerID, reason string) error {
	if workerID != "" {
		task.Metadata.FailedWorkers[workerID]++
	}
	task.Metadata.LastError = reason
	task.Metadata.StartTime = time.Time{}
	task.Metadata.LastWorker = ""
	if task.Metadata.Attempts >= maxAttempts {
		task.State = TaskFailed
		return fmt.Errorf("%s task %d exceeded max attempts: %s", task.Type, task.ID, reason)
	}
	task.State = TaskIdle
	return nil
}

func (t *TaskTracker) IsMapPhaseDone() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.hasStartedReduce && t.allCompletedLocked()
}

func (t *TaskTracker) IsReducePhaseDone() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.hasStartedReduce && t.allCompletedLocked()
}

func (t *TaskTracker) allCompletedLocked() bool {
	for _, task := range t.tasks {
		if task.State != TaskCompleted {
			return false
		}
	}
	return true
}

// Failed returns the first task that ran out of attempts, if any.
func (t *TaskTracker) Failed() *Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, task := range t.tasks {
		if task.State == TaskFailed {
			return task
		}
	}
	return nil
}

func (t *TaskTracker) TransitionToReducePhase() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.hasStartedReduce || !t.allCompletedLocked() {
		return fmt.Errorf("map phase not complete")
	}

	t.tasks = make([]*Task, t.nReduce)
	for i := 0; i < t.nReduce; i++ {
		t.tasks[i] = newTask(i, ReduceTask, fmt.Sprintf("%d", i))
	}
	t.hasStartedReduce = true
	return nil
}

func (t *TaskTracker) NMap() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nMap
}
