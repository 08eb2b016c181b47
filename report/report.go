// Package report orders word totals and writes them out in the
// "word\ttotal" text layout, one part file per reducer.
package report

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/guochan007/imoocHadoop/map_reduce"
)

type Order int

const (
	ByKey Order = iota
	ByCount
	Unsorted
)

func (o Order) String() string {
	switch o {
	case ByKey:
		return "key"
	case ByCount:
		return "count"
	case Unsorted:
		return "none"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

func ParseOrder(s string) (Order, error) {
	switch s {
	case "key", "":
		return ByKey, nil
	case "count":
		return ByCount, nil
	case "none":
		return Unsorted, nil
	}
	return 0, fmt.Errorf("unknown order %q (want key, count or none)", s)
}

// Sorted flattens counts into pairs. ByCount puts the largest totals first
// and breaks ties by key.
func Sorted(counts map[string]int64, order Order) []map_reduce.KeyValue {
	pairs := make([]map_reduce.KeyValue, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, map_reduce.KeyValue{Key: k, Value: v})
	}
	switch order {
	case ByKey:
		slices.SortFunc(pairs, func(a, b map_reduce.KeyValue) int {
			return cmp.Compare(a.Key, b.Key)
		})
	case ByCount:
		slices.SortFunc(pairs, func(a, b map_reduce.KeyValue) int {
			if c := cmp.Compare(b.Value, a.Value); c != 0 {
				return c
			}
			return cmp.Compare(a.Key, b.Key)
		})
	}
	return pairs
}

// Write emits one "word\ttotal\n" line per pair.
func Write(w io.Writer, pairs []map_reduce.KeyValue) error {
	bw := bufio.NewWriter(w)
	for _, kv := range pairs {
		if _, err := fmt.Fprintf(bw, "%s\t%d\n", kv.Key, kv.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

var ErrOutputExists = errors.New("output directory already exists")

const SuccessMarker = "_SUCCESS"

// OutputDir is a job output directory holding part files and, once the job
// has finished, a success marker.
type OutputDir struct {
	Path string
}

// Create makes a fresh output directory. It refuses to reuse an existing one
// so results of an earlier run are never mixed in.
func Create(dir string) (*OutputDir, error) {
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrOutputExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &OutputDir{Path: dir}, nil
}

func PartName(i int) string {
	return fmt.Sprintf("part-r-%05d", i)
}

// WritePart writes pairs to part file i. The file appears atomically.
func (o *OutputDir) WritePart(i int, pairs []map_reduce.KeyValue) error {
	return WriteFileAtomic(filepath.Join(o.Path, PartName(i)), func(w io.Writer) error {
		return Write(w, pairs)
	})
}

func (o *OutputDir) Commit() error {
	return os.WriteFile(filepath.Join(o.Path, SuccessMarker), nil, 0o644)
}

// WriteFileAtomic writes to a temp file next to path and renames it into
// place once write succeeds.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
