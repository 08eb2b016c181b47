package distributed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/guochan007/imoocHadoop/input"
	. "github.com/guochan007/imoocHadoop/map_reduce"
	"github.com/guochan007/imoocHadoop/report"
)

var ErrCleanShutdown = errors.New("clean shutdown")

type Worker struct {
	mapper   Mapper
	reducer  Reducer
	combiner Reducer
	log      *Logger
	workerID string

	heartbeatInterval time.Duration
	pollInterval      time.Duration

	mu     sync.Mutex
	status WorkerStatus
}

type Option func(*Worker)

// WithCombiner pre-reduces each spill partition with c before it is written.
func WithCombiner(c Reducer) Option {
	return func(w *Worker) { w.combiner = c }
}

func WithLogger(l *Logger) Option {
	return func(w *Worker) { w.log = l }
}

// WithIntervals sets how often the worker heartbeats and how long it waits
// before asking again when no task is available.
func WithIntervals(heartbeat, poll time.Duration) Option {
	return func(w *Worker) {
		w.heartbeatInterval = heartbeat
		w.pollInterval = poll
	}
}

func NewWorker(m Mapper, r Reducer, opts ...Option) *Worker {
	w := &Worker{
		mapper:            m,
		reducer:           r,
		log:               NewLogger("[worker]", false),
		heartbeatInterval: time.Second,
		pollInterval:      time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run registers with the coordinator at addr and executes tasks until the job
// completes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context, addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	client := rpc.NewClient(conn)
	defer client.Close()

	reply := &RegisterReply{}
	if err := client.Call("Coordinator.Register", &RegisterArgs{WorkerAddr: conn.LocalAddr().String()}, reply); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	w.workerID = reply.WorkerID
	w.log.Info("Registered with coordinator %s as %s", addr, w.workerID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- w.startHeartbeat(ctx, client) }()
	go func() { errCh <- w.processTasks(ctx, client) }()

	err = <-errCh
	cancel()
	<-errCh

	if errors.Is(err, ErrCleanShutdown) {
		w.log.Info("Worker %s completed successfully", w.workerID)
		return nil
	}
	return err
}

// coordinatorGone reports whether err means the coordinator closed the
// connection, which it does once the job is over.
func coordinatorGone(err error) bool {
	return errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (w *Worker) startHeartbeat(ctx context.Context, client *rpc.Client) error {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			args := &HeartbeatArgs{WorkerID: w.workerID, Status: w.getStatus()}
			reply := &HeartbeatReply{}
			if err := client.Call("Coordinator.Heartbeat", args, reply); err != nil {
				if coordinatorGone(err) {
					return ErrCleanShutdown
				}
				return fmt.Errorf("heartbeat failed: %w", err)
			}
			if !reply.ShouldContinue {
				return ErrCleanShutdown
			}
		}
	}
}

func (w *Worker) processTasks(ctx context.Context, client *rpc.Client) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		reply := &GetTaskReply{}
		if err := w.call(ctx, client, "Coordinator.GetTask", &GetTaskArgs{WorkerID: w.workerID}, reply); err != nil {
			if coordinatorGone(err) {
				w.log.Info("Coordinator appears to have shut down, exiting")
				return ErrCleanShutdown
			}
			return fmt.Errorf("failed to get task: %w", err)
		}
		if reply.JobComplete {
			return ErrCleanShutdown
		}
		if reply.Type == WaitTask {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.pollInterval):
				continue
			}
		}

		w.setStatus(reply.TaskID, reply.Type, true, nil)
		var results map[string]int64
		var taskErr error
		switch reply.Type {
		case MapTask:
			taskErr = w.executeMapTask(ctx, reply)
		case ReduceTask:
			results, taskErr = w.executeReduceTask(ctx, reply)
		default:
			taskErr = fmt.Errorf("unknown task type %v", reply.Type)
		}
		w.setStatus(0, 0, false, taskErr)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		completeArgs := &TaskCompleteArgs{
			WorkerID: w.workerID,
			TaskID:   reply.TaskID,
			Type:     reply.Type,
			Success:  taskErr == nil,
			Results:  results,
		}
		if taskErr != nil {
			completeArgs.Error = taskErr.Error()
			w.log.Error("%s task %d failed: %v", reply.Type, reply.TaskID, taskErr)
		}
		if err := w.call(ctx, client, "Coordinator.TaskComplete", completeArgs, &TaskCompleteReply{}); err != nil {
			if coordinatorGone(err) {
				return ErrCleanShutdown
			}
			return fmt.Errorf("failed to report completion: %w", err)
		}
	}
}

// call is client.Call bounded by ctx.
func (w *Worker) call(ctx context.Context, client *rpc.Client, method string, args, reply any) error {
	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		return res.Error
	}
}

func spillName(dir string, mapID, reduceID int) string {
	return filepath.Join(dir, fmt.Sprintf("mr-%d-%d", mapID, reduceID))
}

// ihash returns a non-negative hash value for a key
func ihash(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & 0x7fffffff)
}

func (w *Worker) executeMapTask(ctx context.Context, task *GetTaskReply) error {
	codec, err := CodecByName(task.Codec)
	if err != nil {
		return err
	}
	if task.NReduce < 1 {
		return fmt.Errorf("map task %d: invalid reduce count %d", task.TaskID, task.NReduce)
	}

	partitions := make([]*Group, task.NReduce)
	for i := range partitions {
		partitions[i] = NewGroup()
	}
	var records int64
	for rec, err := range input.Records(ctx, task.Input) {
		if err != nil {
			return err
		}
		for kv := range w.mapper.Map(rec) {
			partitions[ihash(kv.Key)%task.NReduce].Add(kv)
		}
		records++
		if records%4096 == 0 {
			w.addRecords(4096)
		}
	}
	w.log.Debug("Map task %d read %d records from %s", task.TaskID, records, task.Input)

	for i, g := range partitions {
		if w.combiner != nil {
			g = g.Combine(w.combiner)
		}
		err := report.WriteFileAtomic(spillName(task.InterDir, task.TaskID, i), func(out io.Writer) error {
			enc := codec.NewEncoder(out)
			for _, key := range g.SortedKeys() {
				for v := range g.Values(key) {
					if err := enc.Encode(KeyValue{Key: key, Value: v}); err != nil {
						return err
					}
				}
			}
			return enc.Flush()
		})
		if err != nil {
			return fmt.Errorf("writing partition %d: %w", i, err)
		}
	}
	return nil
}

func (w *Worker) executeReduceTask(ctx context.Context, task *GetTaskReply) (map[string]int64, error) {
	codec, err := CodecByName(task.Codec)
	if err != nil {
		return nil, err
	}

	grouped := NewGroup()
	for mapID := 0; mapID < task.NMap; mapID++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := readSpill(codec, spillName(task.InterDir, mapID, task.TaskID), grouped); err != nil {
			return nil, err
		}
	}
	w.log.Debug("Reduce task %d: %d pairs, %d keys", task.TaskID, grouped.Pairs(), grouped.Len())

	results := make(map[string]int64, grouped.Len())
	pairs := make([]KeyValue, 0, grouped.Len())
	for _, key := range grouped.SortedKeys() {
		kv := w.reducer.Reduce(key, grouped.Values(key))
		results[kv.Key] = kv.Value
		pairs = append(pairs, kv)
	}

	if task.OutputDir != "" {
		out := &report.OutputDir{Path: task.OutputDir}
		if err := out.WritePart(task.TaskID, pairs); err != nil {
			return nil, fmt.Errorf("writing output: %w", err)
		}
	}
	return results, nil
}

func readSpill(codec Codec, path string, into *Group) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := codec.NewDecoder(f)
	for {
		kv, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		into.Add(kv)
	}
}

func (w *Worker) setStatus(taskID int, typ TaskType, busy bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.CurrentTaskID = taskID
	w.status.CurrentType = typ
	w.status.Busy = busy
	if busy {
		w.status.Records = 0
	}
	if err != nil {
		w.status.LastError = err.Error()
	}
}

func (w *Worker) addRecords(n int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Records += n
}

func (w *Worker) getStatus() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Timestamp = time.Now()
	return s
}
