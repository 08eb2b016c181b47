package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/guochan007/imoocHadoop/distributed"
	"github.com/guochan007/imoocHadoop/input"
	"github.com/guochan007/imoocHadoop/map_reduce"
	"github.com/guochan007/imoocHadoop/report"
)

type options struct {
	mode            string
	inputs          []string
	output          string
	order           report.Order
	parallel        int
	combine         bool
	coordinatorAddr string
	nReduce         int
	intermediateDir string
	codec           string
	nWorkers        int
	taskTimeout     time.Duration
	debug           bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("wordcount", flag.ContinueOnError)
	var (
		mode            = fs.String("mode", "local", "Run mode: local, coordinator or worker")
		inputFiles      = fs.String("input", "", "Comma-separated list of input files or directories")
		output          = fs.String("output", "", "Output directory (must not exist); empty writes to stdout in local mode")
		order           = fs.String("order", "key", "Output order: key, count or none (local mode only; coordinator output is by key)")
		parallel        = fs.Int("parallel", runtime.NumCPU(), "Goroutines for the local map and reduce phases")
		combine         = fs.Bool("combine", false, "Combine map output before the shuffle")
		coordinatorAddr = fs.String("addr", "localhost:1234", "Coordinator address")
		nReduce         = fs.Int("reduce", 5, "Number of reduce tasks")
		intermediateDir = fs.String("intermediate-dir", "", "Directory for intermediate files")
		codec           = fs.String("codec", "json", "Intermediate encoding: json or proto")
		nWorkers        = fs.Int("workers", runtime.NumCPU(), "Number of workers to spawn (defaults to number of CPU cores)")
		taskTimeout     = fs.Duration("task-timeout", 10*time.Second, "Time a task may go without a heartbeat from its worker before it is requeued")
		debug           = fs.Bool("debug", false, "Enable debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	o := &options{
		mode:            *mode,
		output:          *output,
		parallel:        *parallel,
		combine:         *combine,
		coordinatorAddr: *coordinatorAddr,
		nReduce:         *nReduce,
		intermediateDir: *intermediateDir,
		codec:           *codec,
		nWorkers:        *nWorkers,
		taskTimeout:     *taskTimeout,
		debug:           *debug,
	}
	if *inputFiles != "" {
		o.inputs = strings.Split(*inputFiles, ",")
	}
	var err error
	if o.order, err = report.ParseOrder(*order); err != nil {
		return nil, err
	}
	switch o.mode {
	case "local", "coordinator":
		if len(o.inputs) == 0 {
			return nil, fmt.Errorf("input files required for %s mode", o.mode)
		}
	case "worker":
	default:
		return nil, fmt.Errorf("unknown mode %q", o.mode)
	}
	if o.mode == "coordinator" {
		if o.output == "" {
			return nil, errors.New("output directory required for coordinator mode")
		}
		if o.order != report.ByKey {
			return nil, fmt.Errorf("order %s not supported in coordinator mode", o.order)
		}
	}
	if o.taskTimeout <= 0 {
		return nil, fmt.Errorf("task timeout must be positive, got %v", o.taskTimeout)
	}
	return o, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Printf("Error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch opts.mode {
	case "local":
		err = runLocal(ctx, opts)
	case "coordinator":
		err = runCoordinator(ctx, opts)
	case "worker":
		err = runWorkers(ctx, opts)
	}
	if err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func newCombiner(opts *options) map_reduce.Reducer {
	if opts.combine {
		return map_reduce.WordCountReducer{}
	}
	return nil
}

func runLocal(ctx context.Context, opts *options) (err error) {
	files, err := input.Expand(opts.inputs)
	if err != nil {
		return err
	}

	var out *report.OutputDir
	if opts.output != "" {
		if out, err = report.Create(opts.output); err != nil {
			return err
		}
		defer func() {
			if err != nil {
				os.RemoveAll(out.Path)
			}
		}()
	}

	start := time.Now()
	runner := map_reduce.NewRunner(map_reduce.WordCountMapper{}, map_reduce.WordCountReducer{}).
		WithParallelism(opts.parallel)
	if c := newCombiner(opts); c != nil {
		runner.WithCombiner(c)
	}
	counts, err := runner.Run(ctx, input.Corpus(ctx, files))
	if err != nil {
		return err
	}
	pairs := report.Sorted(counts, opts.order)
	log.Printf("Counted %d distinct words in %v", len(pairs), time.Since(start))

	if out == nil {
		return report.Write(os.Stdout, pairs)
	}
	if err := out.WritePart(0, pairs); err != nil {
		return err
	}
	return out.Commit()
}

func runCoordinator(ctx context.Context, opts *options) error {
	files, err := input.Expand(opts.inputs)
	if err != nil {
		return err
	}
	coordinator, err := distributed.NewCoordinator(distributed.Config{
		Inputs:      files,
		NReduce:     opts.nReduce,
		InterDir:    opts.intermediateDir,
		OutputDir:   opts.output,
		Codec:       opts.codec,
		TaskTimeout: opts.taskTimeout,
		Logger:      distributed.NewLogger("[coordinator]", opts.debug),
	})
	if err != nil {
		return err
	}
	if err := coordinator.Start(opts.coordinatorAddr); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coordinator.Cleanup()

	select {
	case <-coordinator.Done():
		// Let polling workers see the job is over before connections close.
		time.Sleep(2 * time.Second)
		return coordinator.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runWorkers(parent context.Context, opts *options) error {
	log.Printf("Starting %d worker processes...", opts.nWorkers)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var wg sync.WaitGroup
	workerErrors := make(chan error, opts.nWorkers)

	for i := 0; i < opts.nWorkers; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()

			workerOpts := []distributed.Option{
				distributed.WithLogger(distributed.NewLogger(fmt.Sprintf("[worker-%d]", workerNum), opts.debug)),
			}
			if c := newCombiner(opts); c != nil {
				workerOpts = append(workerOpts, distributed.WithCombiner(c))
			}
			worker := distributed.NewWorker(map_reduce.WordCountMapper{}, map_reduce.WordCountReducer{}, workerOpts...)

			// Stagger registrations
			time.Sleep(time.Duration(workerNum*100) * time.Millisecond)

			if err := worker.Run(ctx, opts.coordinatorAddr); err != nil {
				workerErrors <- fmt.Errorf("worker %d: %w", workerNum, err)
				cancel() // Cancel other workers if one fails
			}
		}(i)
	}

	wg.Wait()
	close(workerErrors)

	var errs []error
	for err := range workerErrors {
		if errors.Is(err, context.Canceled) {
			continue
		}
		errs = append(errs, err)
	}
	log.Printf("All workers shutdown complete")
	if len(errs) == 0 {
		return parent.Err()
	}
	return errors.Join(errs...)
}
