package distributed

import (
	"bufio"
	"context"
	"iter"
	"net/rpc"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guochan007/imoocHadoop/input"
	"github.com/guochan007/imoocHadoop/map_reduce"
	"github.com/guochan007/imoocHadoop/report"
)

var testCorpus = map[string]string{
	"ernest.txt":  "The truth is rarely pure and never simple.\nthe Truth\n",
	"dorian.txt":  "The only way to get rid of a temptation is to yield to it.\n\n",
	"monster.txt": "Beware; for I am fearless, and therefore powerful.\r\nthe the the\n",
	"empty.txt":   "",
}

func writeCorpus(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	var files []string
	for name, contents := range testCorpus {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
		files = append(files, path)
	}
	return files
}

func localCounts(t *testing.T, files []string) map[string]int64 {
	t.Helper()
	ctx := context.Background()
	want, err := map_reduce.NewRunner(map_reduce.WordCountMapper{}, map_reduce.WordCountReducer{}).
		Run(ctx, input.Corpus(ctx, files))
	require.NoError(t, err)
	return want
}

func readParts(t *testing.T, dir string, n int) map[string]int64 {
	t.Helper()
	got := make(map[string]int64)
	for i := 0; i < n; i++ {
		f, err := os.Open(filepath.Join(dir, report.PartName(i)))
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			word, total, ok := strings.Cut(sc.Text(), "\t")
			require.True(t, ok)
			v, err := strconv.ParseInt(total, 10, 64)
			require.NoError(t, err)
			got[word] += v
		}
		require.NoError(t, sc.Err())
		f.Close()
	}
	return got
}

func startCoordinator(t *testing.T, cfg Config) *Coordinator {
	t.Helper()
	coord, err := NewCoordinator(cfg)
	require.NoError(t, err)
	require.NoError(t, coord.Start("127.0.0.1:0"))
	t.Cleanup(coord.Cleanup)
	return coord
}

func runWorkers(t *testing.T, ctx context.Context, addr string, n int, opts ...Option) {
	t.Helper()
	opts = append([]Option{WithIntervals(20*time.Millisecond, 10*time.Millisecond)}, opts...)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		w := NewWorker(map_reduce.WordCountMapper{}, map_reduce.WordCountReducer{}, opts...)
		go func() { errCh <- w.Run(ctx, addr) }()
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("Test timed out")
		}
	}
}

func TestBasicMapReduce(t *testing.T) {
	tests := []struct {
		name    string
		codec   string
		combine bool
	}{
		{name: "json", codec: "json"},
		{name: "proto", codec: "proto"},
		{name: "proto with combiner", codec: "proto", combine: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			files := writeCorpus(t)
			outDir := filepath.Join(t.TempDir(), "out")
			coord := startCoordinator(t, Config{
				Inputs:    files,
				NReduce:   3,
				InterDir:  t.TempDir(),
				OutputDir: outDir,
				Codec:     tt.codec,
			})

			var opts []Option
			if tt.combine {
				opts = append(opts, WithCombiner(map_reduce.WordCountReducer{}))
			}
			runWorkers(t, ctx, coord.Addr().String(), 2, opts...)

			select {
			case <-coord.Done():
			case <-ctx.Done():
				t.Fatal("coordinator never finished")
			}
			require.NoError(t, coord.Err())

			want := localCounts(t, files)
			require.Equal(t, int64(4), want["the"])
			require.Equal(t, want, coord.Results())
			require.Equal(t, want, readParts(t, outDir, 3))
			require.FileExists(t, filepath.Join(outDir, report.SuccessMarker))
		})
	}
}

func TestEmptyCorpus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord := startCoordinator(t, Config{NReduce: 2})
	runWorkers(t, ctx, coord.Addr().String(), 1)

	<-coord.Done()
	require.NoError(t, coord.Err())
	require.Empty(t, coord.Results())
}

func TestStuckTaskIsReassigned(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files := writeCorpus(t)
	coord := startCoordinator(t, Config{
		Inputs:      files,
		NReduce:     2,
		TaskTimeout: 100 * time.Millisecond,
	})
	addr := coord.Addr().String()

	// A worker that takes a task and then goes silent.
	client, err := rpc.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()
	reg := &RegisterReply{}
	require.NoError(t, client.Call("Coordinator.Register", &RegisterArgs{WorkerAddr: "stuck"}, reg))
	task := &GetTaskReply{}
	require.NoError(t, client.Call("Coordinator.GetTask", &GetTaskArgs{WorkerID: reg.WorkerID}, task))
	require.Equal(t, MapTask, task.Type)

	runWorkers(t, ctx, addr, 1)

	<-coord.Done()
	require.NoError(t, coord.Err())
	require.Equal(t, localCounts(t, files), coord.Results())
}

func TestSlowTaskWithHeartbeatsIsNotRequeued(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path := filepath.Join(t.TempDir(), "slow.txt")
	require.NoError(t, os.WriteFile(path, []byte("slow down\n"), 0o644))

	timeout := 100 * time.Millisecond
	coord := startCoordinator(t, Config{
		Inputs:      []string{path},
		NReduce:     1,
		TaskTimeout: timeout,
	})

	slow := map_reduce.MapperFunc(func(rec map_reduce.Record) iter.Seq[map_reduce.KeyValue] {
		time.Sleep(4 * timeout)
		return map_reduce.WordCountMapper{}.Map(rec)
	})
	w := NewWorker(slow, map_reduce.WordCountReducer{}, WithIntervals(20*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, w.Run(ctx, coord.Addr().String()))

	<-coord.Done()
	require.NoError(t, coord.Err())
	require.Equal(t, map[string]int64{"slow": 1, "down": 1}, coord.Results())
}

func TestMissingInputFailsJob(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coord := startCoordinator(t, Config{
		Inputs:  []string{filepath.Join(t.TempDir(), "missing.txt")},
		NReduce: 1,
	})
	runWorkers(t, ctx, coord.Addr().String(), 1)

	<-coord.Done()
	require.Error(t, coord.Err())
	require.Contains(t, coord.Err().Error(), "failed after 3 attempts")
}

func TestOutputDirMustNotExist(t *testing.T) {
	_, err := NewCoordinator(Config{NReduce: 1, InterDir: t.TempDir(), OutputDir: t.TempDir()})
	require.ErrorIs(t, err, report.ErrOutputExists)
}

func TestRejectedOutputDirRemovesInterDir(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	_, err := NewCoordinator(Config{NReduce: 1, OutputDir: t.TempDir()})
	require.ErrorIs(t, err, report.ErrOutputExists)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCoordinatorCreatesAndRemovesInterDir(t *testing.T) {
	coord, err := NewCoordinator(Config{NReduce: 1})
	require.NoError(t, err)
	require.DirExists(t, coord.interDir)
	require.NoError(t, coord.Start("127.0.0.1:0"))
	coord.Cleanup()
	require.NoDirExists(t, coord.interDir)
}
