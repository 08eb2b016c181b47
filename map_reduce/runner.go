package map_reduce

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// Runner drives a Mapper and a Reducer over an in-memory shuffle.
type Runner struct {
	mapper      Mapper
	reducer     Reducer
	combiner    Reducer
	parallelism int
}

func NewRunner(m Mapper, r Reducer) *Runner {
	return &Runner{
		mapper:      m,
		reducer:     r,
		parallelism: 1,
	}
}

// WithParallelism sets how many goroutines run the map and reduce phases.
func (r *Runner) WithParallelism(n int) *Runner {
	r.parallelism = max(n, 1)
	return r
}

// WithCombiner pre-reduces each map goroutine's output with c before the
// groups are merged.
func (r *Runner) WithCombiner(c Reducer) *Runner {
	r.combiner = c
	return r
}

// Run maps every record, groups the pairs by key and reduces each key once.
// The only errors are those yielded by records and ctx cancellation.
func (r *Runner) Run(ctx context.Context, records iter.Seq2[Record, error]) (map[string]int64, error) {
	grouped, err := r.mapPhase(ctx, records)
	if err != nil {
		return nil, err
	}
	return r.reducePhase(ctx, grouped)
}

func (r *Runner) mapPhase(ctx context.Context, records iter.Seq2[Record, error]) (*Group, error) {
	recCh := make(chan Record, r.parallelism*4)
	groups := make([]*Group, r.parallelism)

	var wg sync.WaitGroup
	for i := range groups {
		groups[i] = NewGroup()
		wg.Add(1)
		go func(g *Group) {
			defer wg.Done()
			for rec := range recCh {
				for kv := range r.mapper.Map(rec) {
					g.Add(kv)
				}
			}
		}(groups[i])
	}

	feedErr := feed(ctx, records, recCh)
	close(recCh)
	wg.Wait()
	if feedErr != nil {
		return nil, feedErr
	}

	total := NewGroup()
	for _, g := range groups {
		if r.combiner != nil {
			g = g.Combine(r.combiner)
		}
		total.Merge(g)
	}
	return total, nil
}

func feed(ctx context.Context, records iter.Seq2[Record, error], out chan<- Record) error {
	for rec, err := range records {
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (r *Runner) reducePhase(ctx context.Context, grouped *Group) (map[string]int64, error) {
	keyCh := make(chan string, r.parallelism*4)
	partial := make([]map[string]int64, r.parallelism)

	var wg sync.WaitGroup
	for i := range partial {
		partial[i] = make(map[string]int64)
		wg.Add(1)
		go func(out map[string]int64) {
			defer wg.Done()
			for key := range keyCh {
				kv := r.reducer.Reduce(key, grouped.Values(key))
				out[kv.Key] = kv.Value
			}
		}(partial[i])
	}

	err := func() error {
		for key := range grouped.Keys() {
			select {
			case keyCh <- key:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}()
	close(keyCh)
	wg.Wait()
	if err != nil {
		return nil, err
	}

	results := make(map[string]int64, grouped.Len())
	for _, p := range partial {
		for k, v := range p {
			results[k] = v
		}
	}
	return results, nil
}

// Lines turns literal lines into records with byte offsets, as if they had
// been read from a single newline-terminated file.
func Lines(lines ...string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var offset int64
		for _, line := range lines {
			if !yield(Record{Offset: offset, Line: line}, nil) {
				return
			}
			offset += int64(len(line)) + 1
		}
	}
}
