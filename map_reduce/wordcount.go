package map_reduce

import "iter"

// isDelim reports whether b separates tokens. The set matches the default
// delimiters of a Java StringTokenizer.
func isDelim(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\f':
		return true
	}
	return false
}

// Tokens yields the whitespace-delimited tokens of line in order. Tokens are
// substrings of line; nothing is normalized.
func Tokens(line string) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := -1
		for i := 0; i < len(line); i++ {
			if isDelim(line[i]) {
				if start >= 0 {
					if !yield(line[start:i]) {
						return
					}
					start = -1
				}
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			yield(line[start:])
		}
	}
}

type WordCountMapper struct{}

func (m WordCountMapper) Map(rec Record) iter.Seq[KeyValue] {
	return func(yield func(KeyValue) bool) {
		for word := range Tokens(rec.Line) {
			if !yield(KeyValue{Key: word, Value: 1}) {
				return
			}
		}
	}
}

type WordCountReducer struct{}

func (r WordCountReducer) Reduce(key string, values iter.Seq[int64]) KeyValue {
	var sum int64
	for v := range values {
		sum += v
	}
	return KeyValue{Key: key, Value: sum}
}
