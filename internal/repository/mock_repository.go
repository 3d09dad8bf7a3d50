package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nadmax/telemetryd/internal/task"
)

// MockRepository is an in-memory TaskRepository that records calls and
// lets tests inject errors per operation.
type MockRepository struct {
	mu          sync.Mutex
	Tasks       map[string]*task.Task
	FailedTasks map[string]*task.FailedTask

	CreateTaskCalls        []string
	UpdateJobIDCalls       []UpdateJobIDCall
	UpdateExecutorCalls    []UpdateExecutorCall
	UpdateLastRunCalls     []UpdateLastRunCall
	CreateFailedTaskCalls  []string
	UpdateResultCalls      []UpdateResultCall
	DeleteFailedTaskCalls  []string
	DeleteTaskCalls        []string
	SoftDeleteTaskCalls    []string
	ListFailedTasksCalls   int
	ListTasksCalls         int
	CreateTaskError        error
	GetTaskError           error
	ListTasksError         error
	UpdateJobIDError       error
	UpdateLastRunError     error
	CreateFailedTaskError  error
	GetFailedTaskError     error
	ListFailedTasksError   error
	UpdateResultError      error
	DeleteFailedTaskError  error
	DeleteTaskError        error
	UpdateExecutorErrors   map[string]error
	UpdateFailedJobIDError error
	MoveFailedTasksError   error
}

type UpdateJobIDCall struct {
	ID    string
	JobID string
}

type UpdateExecutorCall struct {
	TaskID   string
	Executor string
}

type UpdateLastRunCall struct {
	TaskID      string
	LastRunTime int64
}

type UpdateResultCall struct {
	FailedTaskID string
	RetryCount   int
	Result       task.Result
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		Tasks:                make(map[string]*task.Task),
		FailedTasks:          make(map[string]*task.FailedTask),
		UpdateExecutorErrors: make(map[string]error),
	}
}

// AddTask stores a copy of t without recording a call.
func (m *MockRepository) AddTask(t *task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.Tasks[t.ID] = &cp
}

// AddFailedTask stores a copy of f without recording a call.
func (m *MockRepository) AddFailedTask(f *task.FailedTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.FailedTasks[f.ID] = &cp
}

// Task returns a copy of the stored task, or nil.
func (m *MockRepository) Task(id string) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// FailedTask returns a copy of the stored failed task, or nil.
func (m *MockRepository) FailedTask(id string) *task.FailedTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.FailedTasks[id]
	if !ok {
		return nil
	}
	cp := *f
	return &cp
}

func (m *MockRepository) FailedTaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.FailedTasks)
}

func (m *MockRepository) CreateTask(ctx context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateTaskCalls = append(m.CreateTaskCalls, t.ID)
	if m.CreateTaskError != nil {
		return m.CreateTaskError
	}

	cp := *t
	m.Tasks[t.ID] = &cp
	return nil
}

func (m *MockRepository) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetTaskError != nil {
		return nil, m.GetTaskError
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	cp := *t
	return &cp, nil
}

func (m *MockRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListTasksCalls++
	if m.ListTasksError != nil {
		return nil, m.ListTasksError
	}

	var out []*task.Task
	for _, t := range m.Tasks {
		if filter.StorageID != "" && t.StorageID != filter.StorageID {
			continue
		}
		if filter.Executor != "" && t.Executor != filter.Executor {
			continue
		}
		if filter.Unassigned && t.Executor != "" {
			continue
		}
		if filter.Deleted != nil && t.Deleted != *filter.Deleted {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MockRepository) UpdateTaskJobID(ctx context.Context, taskID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateJobIDCalls = append(m.UpdateJobIDCalls, UpdateJobIDCall{ID: taskID, JobID: jobID})
	if m.UpdateJobIDError != nil {
		return m.UpdateJobIDError
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.JobID = jobID
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MockRepository) UpdateTaskLastRunTime(ctx context.Context, taskID string, lastRunTime int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateLastRunCalls = append(m.UpdateLastRunCalls, UpdateLastRunCall{TaskID: taskID, LastRunTime: lastRunTime})
	if m.UpdateLastRunError != nil {
		return m.UpdateLastRunError
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.LastRunTime = lastRunTime
	return nil
}

func (m *MockRepository) UpdateTaskExecutor(ctx context.Context, taskID, executor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateExecutorCalls = append(m.UpdateExecutorCalls, UpdateExecutorCall{TaskID: taskID, Executor: executor})
	if err := m.UpdateExecutorErrors[taskID]; err != nil {
		return err
	}

	t, ok := m.Tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Executor = executor
	return nil
}

func (m *MockRepository) ClearTaskOwner(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.Tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Executor = ""
	t.JobID = ""
	return nil
}

func (m *MockRepository) SoftDeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SoftDeleteTaskCalls = append(m.SoftDeleteTaskCalls, taskID)
	t, ok := m.Tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.Deleted = true
	return nil
}

func (m *MockRepository) DeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteTaskCalls = append(m.DeleteTaskCalls, taskID)
	if m.DeleteTaskError != nil {
		return m.DeleteTaskError
	}

	delete(m.Tasks, taskID)
	return nil
}

func (m *MockRepository) CreateFailedTask(ctx context.Context, f *task.FailedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateFailedTaskCalls = append(m.CreateFailedTaskCalls, f.ID)
	if m.CreateFailedTaskError != nil {
		return m.CreateFailedTaskError
	}

	cp := *f
	m.FailedTasks[f.ID] = &cp
	return nil
}

func (m *MockRepository) GetFailedTask(ctx context.Context, failedTaskID string) (*task.FailedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetFailedTaskError != nil {
		return nil, m.GetFailedTaskError
	}

	f, ok := m.FailedTasks[failedTaskID]
	if !ok {
		return nil, ErrFailedTaskNotFound
	}

	cp := *f
	return &cp, nil
}

func (m *MockRepository) ListFailedTasks(ctx context.Context, filter FailedTaskFilter) ([]*task.FailedTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListFailedTasksCalls++
	if m.ListFailedTasksError != nil {
		return nil, m.ListFailedTasksError
	}

	var out []*task.FailedTask
	for _, f := range m.FailedTasks {
		if filter.TaskID != "" && f.TaskID != filter.TaskID {
			continue
		}
		if filter.Executor != "" && f.Executor != filter.Executor {
			continue
		}
		if !filter.IncludeDeleted && f.Deleted {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockRepository) UpdateFailedTaskJobID(ctx context.Context, failedTaskID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateJobIDCalls = append(m.UpdateJobIDCalls, UpdateJobIDCall{ID: failedTaskID, JobID: jobID})
	if m.UpdateFailedJobIDError != nil {
		return m.UpdateFailedJobIDError
	}

	f, ok := m.FailedTasks[failedTaskID]
	if !ok {
		return ErrFailedTaskNotFound
	}
	f.JobID = jobID
	return nil
}

func (m *MockRepository) UpdateFailedTaskResult(ctx context.Context, failedTaskID string, retryCount int, result task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UpdateResultCalls = append(m.UpdateResultCalls, UpdateResultCall{
		FailedTaskID: failedTaskID,
		RetryCount:   retryCount,
		Result:       result,
	})
	if m.UpdateResultError != nil {
		return m.UpdateResultError
	}

	f, ok := m.FailedTasks[failedTaskID]
	if !ok {
		return ErrFailedTaskNotFound
	}
	if retryCount > f.RetryCount {
		f.RetryCount = retryCount
	}
	f.Result = result
	return nil
}

func (m *MockRepository) DeleteFailedTask(ctx context.Context, failedTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteFailedTaskCalls = append(m.DeleteFailedTaskCalls, failedTaskID)
	if m.DeleteFailedTaskError != nil {
		return m.DeleteFailedTaskError
	}

	delete(m.FailedTasks, failedTaskID)
	return nil
}

func (m *MockRepository) DeleteFailedTasksByTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, f := range m.FailedTasks {
		if f.TaskID == taskID {
			m.DeleteFailedTaskCalls = append(m.DeleteFailedTaskCalls, id)
			delete(m.FailedTasks, id)
		}
	}
	return nil
}

func (m *MockRepository) UpdateFailedTasksExecutor(ctx context.Context, taskID, executor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MoveFailedTasksError != nil {
		return m.MoveFailedTasksError
	}

	for _, f := range m.FailedTasks {
		if f.TaskID == taskID {
			f.Executor = executor
			f.JobID = ""
		}
	}
	return nil
}

func (m *MockRepository) Close() error {
	return nil
}
