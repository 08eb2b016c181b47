package map_reduce

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newWordCountRunner() *Runner {
	return NewRunner(WordCountMapper{}, WordCountReducer{})
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  map[string]int64
	}{
		{
			name:  "single line",
			lines: []string{"the quick fox the dog"},
			want:  map[string]int64{"the": 2, "quick": 1, "fox": 1, "dog": 1},
		},
		{
			name:  "counts across lines",
			lines: []string{"a a", "a"},
			want:  map[string]int64{"a": 3},
		},
		{
			name:  "empty corpus",
			lines: nil,
			want:  map[string]int64{},
		},
		{
			name:  "empty lines",
			lines: []string{"", "   ", ""},
			want:  map[string]int64{},
		},
		{
			name:  "case sensitive",
			lines: []string{"Hello hello", "HELLO hello,"},
			want:  map[string]int64{"Hello": 1, "hello": 1, "HELLO": 1, "hello,": 1},
		},
	}

	for _, tt := range tests {
		for _, parallelism := range []int{1, 4} {
			t.Run(fmt.Sprintf("%s/p%d", tt.name, parallelism), func(t *testing.T) {
				got, err := newWordCountRunner().WithParallelism(parallelism).Run(context.Background(), Lines(tt.lines...))
				require.NoError(t, err)
				require.Equal(t, tt.want, got)
			})
		}
	}
}

func corpus() []string {
	return []string{
		"It was the best of times, it was the worst of times,",
		"it was the age of wisdom, it was the age of foolishness,",
		"",
		"it was the epoch of belief, it was the epoch of incredulity,",
		"\tit was the season of Light, it was the season of Darkness,",
	}
}

func TestRunnerTotalsMatchTokenCount(t *testing.T) {
	lines := corpus()
	got, err := newWordCountRunner().WithParallelism(3).Run(context.Background(), Lines(lines...))
	require.NoError(t, err)

	var sum int64
	for _, v := range got {
		sum += v
	}
	tokens := 0
	for _, line := range lines {
		tokens += len(strings.Fields(line))
	}
	require.Equal(t, int64(tokens), sum)

	for word, total := range got {
		var want int64
		for _, line := range lines {
			for _, f := range strings.Fields(line) {
				if f == word {
					want++
				}
			}
		}
		require.Equal(t, want, total, "word %q", word)
	}
}

func TestRunnerIdempotent(t *testing.T) {
	runner := newWordCountRunner().WithParallelism(4)
	first, err := runner.Run(context.Background(), Lines(corpus()...))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := runner.Run(context.Background(), Lines(corpus()...))
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestRunnerOrderInsensitive(t *testing.T) {
	lines := corpus()
	want, err := newWordCountRunner().Run(context.Background(), Lines(lines...))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5; i++ {
		shuffled := append([]string(nil), lines...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got, err := newWordCountRunner().WithParallelism(4).Run(context.Background(), Lines(shuffled...))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestRunnerWithCombiner(t *testing.T) {
	want, err := newWordCountRunner().Run(context.Background(), Lines(corpus()...))
	require.NoError(t, err)

	got, err := newWordCountRunner().
		WithParallelism(2).
		WithCombiner(WordCountReducer{}).
		Run(context.Background(), Lines(corpus()...))
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRunnerFuncAdapters(t *testing.T) {
	mapper := MapperFunc(func(rec Record) iter.Seq[KeyValue] {
		return func(yield func(KeyValue) bool) {
			yield(KeyValue{Key: "lines", Value: 1})
		}
	})
	reducer := ReducerFunc(func(key string, values iter.Seq[int64]) KeyValue {
		var n int64
		for range values {
			n++
		}
		return KeyValue{Key: key, Value: n}
	})

	got, err := NewRunner(mapper, reducer).Run(context.Background(), Lines("a", "b c", ""))
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"lines": 3}, got)
}

func TestRunnerInputError(t *testing.T) {
	errBroken := errors.New("broken input")
	records := func(yield func(Record, error) bool) {
		if !yield(Record{Line: "fine"}, nil) {
			return
		}
		yield(Record{}, errBroken)
	}

	_, err := newWordCountRunner().Run(context.Background(), records)
	require.ErrorIs(t, err, errBroken)
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newWordCountRunner().WithParallelism(2).Run(ctx, Lines(corpus()...))
	require.ErrorIs(t, err, context.Canceled)
}

func TestLinesOffsets(t *testing.T) {
	var offsets []int64
	for rec, err := range Lines("ab", "", "cde") {
		require.NoError(t, err)
		offsets = append(offsets, rec.Offset)
	}
	require.Equal(t, []int64{0, 3, 4}, offsets)
}
