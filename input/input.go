// Package input turns input paths into a stream of line records.
package input

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/guochan007/imoocHadoop/map_reduce"
)

var ErrNoInput = errors.New("no input paths")

// Expand resolves paths into the list of files to read. Directories are
// replaced by the regular files directly inside them, in name order. Names
// starting with "_" or "." are skipped when found in a directory.
func Expand(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, ErrNoInput
	}
	var files []string
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("input path %s: %w", p, err)
		}
		if !fi.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", p, err)
		}
		var names []string
		for _, e := range entries {
			if hidden(e.Name()) || !e.Type().IsRegular() {
				continue
			}
			names = append(names, filepath.Join(p, e.Name()))
		}
		slices.Sort(names)
		files = append(files, names...)
	}
	return files, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// Open opens path for reading, decompressing it when it ends in ".gz".
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".gz" {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}

// Scan yields every line of r with the byte offset it starts at. The line
// terminator ("\n" or "\r\n") is stripped. Lines have no length limit.
func Scan(r io.Reader) iter.Seq2[map_reduce.Record, error] {
	return func(yield func(map_reduce.Record, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		var offset int64
		for {
			line, err := br.ReadString('\n')
			if len(line) > 0 {
				n := int64(len(line))
				line = strings.TrimSuffix(line, "\n")
				line = strings.TrimSuffix(line, "\r")
				if !yield(map_reduce.Record{Offset: offset, Line: line}, nil) {
					return
				}
				offset += n
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(map_reduce.Record{}, err)
				return
			}
		}
	}
}

// Records yields the lines of the file at path. It stops with ctx.Err()
// when ctx is cancelled.
func Records(ctx context.Context, path string) iter.Seq2[map_reduce.Record, error] {
	return func(yield func(map_reduce.Record, error) bool) {
		rc, err := Open(path)
		if err != nil {
			yield(map_reduce.Record{}, err)
			return
		}
		defer rc.Close()
		for rec, err := range Scan(rc) {
			if err != nil {
				yield(rec, fmt.Errorf("reading %s: %w", path, err))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(map_reduce.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Corpus yields the records of every file Expand finds under paths.
func Corpus(ctx context.Context, paths []string) iter.Seq2[map_reduce.Record, error] {
	return func(yield func(map_reduce.Record, error) bool) {
		files, err := Expand(paths)
		if err != nil {
			yield(map_reduce.Record{}, err)
			return
		}
		for _, f := range files {
			for rec, err := range Records(ctx, f) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}
