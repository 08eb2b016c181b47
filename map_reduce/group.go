package map_reduce

import (
	"iter"
	"maps"
	"slices"
)

// Group collects emitted values by exact key. It is the shuffle step every
// driver performs between the map and reduce phases. A Group is not safe for
// concurrent use; give each goroutine its own and Merge them afterwards.
type Group struct {
	values map[string][]int64
	pairs  int
}

func NewGroup() *Group {
	return &Group{values: make(map[string][]int64)}
}

func (g *Group) Add(kv KeyValue) {
	g.values[kv.Key] = append(g.values[kv.Key], kv.Value)
	g.pairs++
}

// Merge moves every value of other into g. other must not be used afterwards.
func (g *Group) Merge(other *Group) {
	for k, vs := range other.values {
		g.values[k] = append(g.values[k], vs...)
	}
	g.pairs += other.pairs
	other.values = nil
	other.pairs = 0
}

// Len returns the number of distinct keys.
func (g *Group) Len() int {
	return len(g.values)
}

// Pairs returns the number of values added.
func (g *Group) Pairs() int {
	return g.pairs
}

// Keys yields the distinct keys in no particular order.
func (g *Group) Keys() iter.Seq[string] {
	return maps.Keys(g.values)
}

func (g *Group) SortedKeys() []string {
	return slices.Sorted(maps.Keys(g.values))
}

func (g *Group) Values(key string) iter.Seq[int64] {
	return slices.Values(g.values[key])
}

// Combine folds each key's values into a single value with c. The result can
// stand in for g as reducer input whenever c is associative and commutative.
func (g *Group) Combine(c Reducer) *Group {
	out := &Group{values: make(map[string][]int64, len(g.values))}
	for k, vs := range g.values {
		kv := c.Reduce(k, slices.Values(vs))
		out.values[k] = []int64{kv.Value}
		out.pairs++
	}
	return out
}
