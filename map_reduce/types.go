package map_reduce

import "iter"

// Record is one line of input together with the byte offset it starts at.
type Record struct {
	Offset int64
	Line   string
}

// KeyValue is an emitted (word, 1) pair or a reduced (word, total) pair.
type KeyValue struct {
	Key   string
	Value int64
}

type Mapper interface {
	Map(rec Record) iter.Seq[KeyValue]
}

type Reducer interface {
	Reduce(key string, values iter.Seq[int64]) KeyValue
}

// MapperFunc lets a plain function satisfy Mapper.
type MapperFunc func(rec Record) iter.Seq[KeyValue]

func (f MapperFunc) Map(rec Record) iter.Seq[KeyValue] {
	return f(rec)
}

// ReducerFunc lets a plain function satisfy Reducer.
type ReducerFunc func(key string, values iter.Seq[int64]) KeyValue

func (f ReducerFunc) Reduce(key string, values iter.Seq[int64]) KeyValue {
	return f(key, values)
}
