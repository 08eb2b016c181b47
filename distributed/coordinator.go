package distributed

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guochan007/imoocHadoop/report"
)

// minFreeSpace is the free space below which the coordinator warns that
// spills may not fit in the intermediate directory.
const minFreeSpace = 1 << 30

type Config struct {
	// Inputs are the files to map, one map task each.
	Inputs  []string
	NReduce int
	// InterDir holds the spill files. When empty a fresh temp directory is
	// created, and Cleanup removes it.
	InterDir string
	// OutputDir receives one part file per reduce task. It must not exist.
	// Empty disables file output; totals are still available from Results.
	OutputDir         string
	Codec             string
	TaskTimeout       time.Duration
	HealthInterval    time.Duration
	MaxHeartbeatDelay time.Duration
	Logger            *Logger
}

type WorkerInfo struct {
	lastHeartbeat time.Time
	id            string
	address       string
	status        WorkerStatus
	active        bool
}

type Coordinator struct {
	listener     net.Listener
	server       *rpc.Server
	conns        map[net.Conn]struct{}
	workers      map[string]*WorkerInfo
	results      map[string]int64
	taskTracker  *TaskTracker
	output       *report.OutputDir
	codec        Codec
	log          *Logger
	shutdown     chan struct{}
	done         chan struct{}
	err          error
	interDir     string
	ownsInterDir bool
	wg           sync.WaitGroup
	nReduce      int

	healthCheckInterval time.Duration
	maxHeartbeatDelay   time.Duration

	mu             sync.Mutex
	finished       bool
	isShuttingDown bool
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.NReduce < 1 {
		return nil, fmt.Errorf("need at least one reduce task, got %d", cfg.NReduce)
	}
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = NewLogger("[coordinator]", false)
	}

	c := &Coordinator{
		conns:               make(map[net.Conn]struct{}),
		workers:             make(map[string]*WorkerInfo),
		results:             make(map[string]int64),
		taskTracker:         NewTaskTracker(cfg.NReduce),
		codec:               codec,
		log:                 cfg.Logger,
		shutdown:            make(chan struct{}),
		done:                make(chan struct{}),
		interDir:            cfg.InterDir,
		nReduce:             cfg.NReduce,
		healthCheckInterval: 5 * time.Second,
		maxHeartbeatDelay:   10 * time.Second,
	}
	if cfg.TaskTimeout > 0 {
		c.taskTracker.timeout = cfg.TaskTimeout
	}
	if cfg.HealthInterval > 0 {
		c.healthCheckInterval = cfg.HealthInterval
	}
	if cfg.MaxHeartbeatDelay > 0 {
		c.maxHeartbeatDelay = cfg.MaxHeartbeatDelay
	}

	if c.interDir == "" {
		c.interDir = filepath.Join(os.TempDir(), fmt.Sprintf("mr-%s", uuid.New().String()))
		c.ownsInterDir = true
	}
	if err := os.MkdirAll(c.interDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating intermediate directory: %w", err)
	}
	c.checkFreeSpace()

	if cfg.OutputDir != "" {
		c.output, err = report.Create(cfg.OutputDir)
		if err != nil {
			if c.ownsInterDir {
				os.RemoveAll(c.interDir)
			}
			return nil, err
		}
	}

	c.taskTracker.InitMapTasks(cfg.Inputs)
	return c, nil
}

func (c *Coordinator) checkFreeSpace() {
	free, err := freeSpace(c.interDir)
	if err != nil {
		c.log.Debug("Cannot determine free space of %s: %v", c.interDir, err)
		return
	}
	if free < minFreeSpace {
		c.log.Error("Only %d bytes free in intermediate directory %s", free, c.interDir)
		return
	}
	c.log.Info("Intermediate directory %s, %d bytes free", c.interDir, free)
}

// Start serves the coordinator RPCs on address and starts the background
// checkers.
func (c *Coordinator) Start(address string) error {
	c.server = rpc.NewServer()
	if err := c.server.RegisterName("Coordinator", c); err != nil {
		return fmt.Errorf("failed to register RPC service: %w", err)
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start RPC server: %w", err)
	}
	c.listener = listener
	c.log.Info("Listening on %s with %d map and %d reduce tasks", listener.Addr(), c.taskTracker.NMap(), c.nReduce)

	// Start timeout checker
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.tickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, id := range c.taskTracker.CheckTimeouts() {
					c.log.Info("Task %d timed out, requeued", id)
				}
				c.mu.Lock()
				c.advanceLocked()
				c.mu.Unlock()
			case <-c.shutdown:
				return
			}
		}
	}()

	// Start worker health checker
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.checkWorkerHealth()
			case <-c.shutdown:
				return
			}
		}
	}()

	// Accept connections
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-c.shutdown:
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				c.log.Error("Accept error: %v", err)
				continue
			}
			c.mu.Lock()
			if c.isShuttingDown {
				c.mu.Unlock()
				conn.Close()
				return
			}
			c.conns[conn] = struct{}{}
			c.mu.Unlock()

			c.wg.Add(1)
			go func(conn net.Conn) {
				defer c.wg.Done()
				c.server.ServeConn(conn)
				c.mu.Lock()
				delete(c.conns, conn)
				c.mu.Unlock()
			}(conn)
		}
	}()

	return nil
}

func (c *Coordinator) tickInterval() time.Duration {
	return min(time.Second, max(c.taskTracker.timeout/2, time.Millisecond))
}

// Addr returns the listening address once Start has succeeded.
func (c *Coordinator) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

func (c *Coordinator) Register(args *RegisterArgs, reply *RegisterReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wId, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("failed generating UUID: %w", err)
	}

	c.workers[wId.String()] = &WorkerInfo{
		id:            wId.String(),
		address:       args.WorkerAddr,
		active:        true,
		lastHeartbeat: time.Now(),
		status: WorkerStatus{
			Timestamp: time.Now(),
		},
	}
	reply.WorkerID = wId.String()
	c.log.Info("Registered worker %s (%s)", reply.WorkerID, args.WorkerAddr)
	return nil
}

// Results returns the totals reported by completed reduce tasks.
func (c *Coordinator) Results() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.results)
}

// Done is closed when the job has completed or failed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err reports why the job failed. It is nil until Done is closed and after
// a successful job.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Coordinator) GetTask(args *GetTaskArgs, reply *GetTaskReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		reply.JobComplete = true
		return nil
	}
	if _, ok := c.workers[args.WorkerID]; !ok {
		return fmt.Errorf("unknown worker %s", args.WorkerID)
	}

	c.advanceLocked()
	if c.finished {
		reply.JobComplete = true
		return nil
	}

	task := c.taskTracker.AssignTask(args.WorkerID)
	if task == nil {
		reply.Type = WaitTask
		c.log.Debug("No tasks available for worker %s at the moment", args.WorkerID)
		return nil
	}

	reply.TaskID = task.ID
	reply.Type = task.Type
	reply.Input = task.Input
	reply.NReduce = c.nReduce
	reply.NMap = c.taskTracker.NMap()
	reply.InterDir = c.interDir
	reply.Codec = c.codec.Name()
	if c.output != nil {
		reply.OutputDir = c.output.Path
	}

	c.log.Info("Assigned %s task %d (attempt %d) to worker %s",
		task.Type, task.ID, task.Metadata.Attempts, args.WorkerID)
	return nil
}

func (c *Coordinator) TaskComplete(args *TaskCompleteArgs, reply *TaskCompleteReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return nil
	}

	if !args.Success {
		c.log.Error("%s task %d failed on worker %s: %s", args.Type, args.TaskID, args.WorkerID, args.Error)
		if err := c.taskTracker.ReassignFailedTask(args.TaskID, args.Type, args.WorkerID, args.Error); err != nil {
			c.log.Error("%v", err)
		}
		c.advanceLocked()
		return nil
	}

	first, err := c.taskTracker.MarkComplete(args.TaskID, args.Type)
	if err != nil {
		// Stale report from a phase that has already ended.
		c.log.Debug("Ignoring completion from worker %s: %v", args.WorkerID, err)
		return nil
	}
	if !first {
		c.log.Debug("Ignoring duplicate completion of %s task %d from worker %s", args.Type, args.TaskID, args.WorkerID)
		return nil
	}
	for k, v := range args.Results {
		c.results[k] = v
	}
	c.log.Info("%s task %d completed by worker %s", args.Type, args.TaskID, args.WorkerID)
	c.advanceLocked()
	return nil
}

// advanceLocked moves the job forward: it starts the reduce phase once the
// map phase is done and finishes the job when every reduce task completed or
// some task ran out of attempts.
func (c *Coordinator) advanceLocked() {
	if c.finished {
		return
	}
	if failed := c.taskTracker.Failed(); failed != nil {
		c.finishLocked(fmt.Errorf("%s task %d failed after %d attempts: %s",
			failed.Type, failed.ID, failed.Metadata.Attempts, failed.Metadata.LastError))
		return
	}
	if c.taskTracker.IsMapPhaseDone() {
		if err := c.taskTracker.TransitionToReducePhase(); err != nil {
			c.log.Error("Error transitioning to reduce phase: %v", err)
			return
		}
		c.log.Info("Map phase complete, starting %d reduce tasks", c.nReduce)
	}
	if c.taskTracker.IsReducePhaseDone() {
		var err error
		if c.output != nil {
			err = c.output.Commit()
		}
		c.finishLocked(err)
	}
}

func (c *Coordinator) finishLocked(err error) {
	c.finished = true
	c.err = err
	if err != nil {
		c.log.Error("Job failed: %v", err)
	} else {
		c.log.Info("All tasks completed, %d distinct keys", len(c.results))
	}
	close(c.done)
}

func (c *Coordinator) Heartbeat(args *HeartbeatArgs, reply *HeartbeatReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isShuttingDown || c.finished {
		reply.ShouldContinue = false
		return nil
	}

	worker, exists := c.workers[args.WorkerID]
	if !exists {
		return fmt.Errorf("unknown worker")
	}

	worker.lastHeartbeat = time.Now()
	worker.status = args.Status
	worker.active = true

	// A busy worker is making progress, so its task is not timed out.
	if args.Status.Busy {
		c.taskTracker.Touch(args.Status.CurrentTaskID, args.Status.CurrentType, args.WorkerID)
	}

	reply.ShouldContinue = true
	return nil
}

func (c *Coordinator) checkWorkerHealth() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, worker := range c.workers {
		if !worker.active {
			continue
		}

		timeSinceHeartbeat := now.Sub(worker.lastHeartbeat)
		c.log.Debug("Worker %s: time since last heartbeat %v", id, timeSinceHeartbeat)

		if timeSinceHeartbeat > c.maxHeartbeatDelay {
			c.log.Info("Worker %s missed heartbeat (delay: %v), marking as inactive", id, timeSinceHeartbeat)
			worker.active = false
			for _, taskID := range c.taskTracker.ReleaseWorker(id) {
				c.log.Info("Requeued task %d held by lost worker %s", taskID, id)
			}
		}
	}
	c.advanceLocked()
}

// Cleanup stops serving, waits for the background goroutines and removes
// the intermediate directory if the coordinator created it.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	if !c.isShuttingDown {
		c.isShuttingDown = true
		close(c.shutdown)
		if c.listener != nil {
			c.listener.Close()
		}
		for conn := range c.conns {
			conn.Close()
		}
		for _, worker := range c.workers {
			worker.active = false
		}
	}
	c.mu.Unlock()

	c.wg.Wait()

	if c.ownsInterDir {
		if err := os.RemoveAll(c.interDir); err != nil {
			c.log.Error("Error cleaning up intermediate directory: %v", err)
		}
	}
}
