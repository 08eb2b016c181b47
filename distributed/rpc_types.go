package distributed

import "time"

type RegisterArgs struct {
	WorkerAddr string
}

type RegisterReply struct {
	WorkerID string
}

type GetTaskArgs struct {
	WorkerID string
}

type GetTaskReply struct {
	TaskID      int
	Type        TaskType
	Input       string
	NReduce     int // For map tasks
	NMap        int // For reduce tasks
	InterDir    string
	OutputDir   string
	Codec       string
	JobComplete bool
}

type TaskCompleteArgs struct {
	WorkerID string
	TaskID   int
	Type     TaskType
	Success  bool
	Error    string
	Results  map[string]int64 // For reduce task results
}

type TaskCompleteReply struct{}

type WorkerStatus struct {
	CurrentTaskID int
	CurrentType   TaskType
	Busy          bool
	Records       int64
	LastError     string
	Timestamp     time.Time
}

type HeartbeatArgs struct {
	WorkerID string
	Status   WorkerStatus
}

type HeartbeatReply struct {
	ShouldContinue bool
}
