// Package colorder merges the column orders observed across the instances of
// one record type into a single canonical order.
//
// The merge works on local adjacency evidence only: every observed sequence
// contributes its weight to each adjacent (A, B) pair, and the canonical order
// is produced by a single depth-first placement from a synthetic start node.
// Heavier adjacencies win over lighter ones; a field without competing
// evidence keeps its first observed relative position.
package colorder

import (
	"sort"
	"strings"
)

// start is the synthetic node preceding the first field of every sequence.
// It cannot collide with a field name because field names are non-empty
// element or attribute names.
const start = ""

// graph is the weighted successor multiset over field names.
type graph struct {
	// succ[a] lists the successors of a in discovery order.
	succ map[string][]string
	// weight[a][b] is the cumulative weight of the a->b adjacency.
	weight map[string]map[string]int
}

func newGraph() *graph {
	return &graph{
		succ:   map[string][]string{},
		weight: map[string]map[string]int{},
	}
}

func (g *graph) add(a, b string, w int) {
	m := g.weight[a]
	if m == nil {
		m = map[string]int{}
		g.weight[a] = m
	}
	if _, ok := m[b]; !ok {
		g.succ[a] = append(g.succ[a], b)
	}
	m[b] += w
}

func (g *graph) w(a, b string) int { return g.weight[a][b] }

// ordered returns a's successors by descending weight, ties broken by
// discovery order.
func (g *graph) ordered(a string) []string {
	out := append([]string(nil), g.succ[a]...)
	sort.SliceStable(out, func(i, j int) bool { return g.w(a, out[i]) > g.w(a, out[j]) })
	return out
}

// Regularize merges weighted field sequences into one canonical order that
// contains the union of all field names.
//
// weights[i] is the number of records that exhibited exactly seqs[i]. A
// missing or non-positive weight counts as 1. The result is deterministic for
// a given input order.
func Regularize(seqs [][]string, weights []int) []string {
	g := newGraph()
	for i, seq := range seqs {
		w := 1
		if i < len(weights) && weights[i] > 0 {
			w = weights[i]
		}
		prev := start
		for _, name := range seq {
			if name == start {
				continue
			}
			g.add(prev, name, w)
			prev = name
		}
	}

	p := placer{g: g, placed: map[string]bool{}, active: map[string]bool{}}
	p.visit(start)
	return p.out
}

// placer performs the depth-first placement. Every node is recursed into at
// most once, which bounds the work even when conflicting sequences introduce
// cycles.
type placer struct {
	g      *graph
	out    []string
	placed map[string]bool
	active map[string]bool // nodes on the current recursion path
}

func (p *placer) visit(cur string) {
	p.active[cur] = true
	defer delete(p.active, cur)

	for _, s := range p.g.ordered(cur) {
		if !p.placed[s] {
			p.out = append(p.out, s)
			p.placed[s] = true
			p.visit(s)
			continue
		}
		if p.active[s] {
			continue
		}
		// s is already placed elsewhere. Moving it here breaks the edge from
		// its current predecessor; only do so on strictly heavier evidence.
		idx := p.index(s)
		pred := start
		if idx > 0 {
			pred = p.out[idx-1]
		}
		if pred == cur || idx == len(p.out)-1 {
			continue
		}
		if p.g.w(cur, s) > p.g.w(pred, s) {
			p.out = append(p.out[:idx], p.out[idx+1:]...)
			p.out = append(p.out, s)
		}
	}
}

func (p *placer) index(name string) int {
	for i, n := range p.out {
		if n == name {
			return i
		}
	}
	return -1
}

// Collector accumulates observed sequences and their weights. Identical
// sequences are counted once with a growing weight, in first-seen order.
type Collector struct {
	index   map[string]int
	seqs    [][]string
	weights []int
}

// Add records one observation of seq.
func (c *Collector) Add(seq []string) {
	if c.index == nil {
		c.index = map[string]int{}
	}
	k := signature(seq)
	if i, ok := c.index[k]; ok {
		c.weights[i]++
		return
	}
	c.index[k] = len(c.seqs)
	c.seqs = append(c.seqs, append([]string(nil), seq...))
	c.weights = append(c.weights, 1)
}

// Len returns the number of distinct sequences seen.
func (c *Collector) Len() int { return len(c.seqs) }

// Sequences returns the distinct sequences and their weights.
func (c *Collector) Sequences() ([][]string, []int) {
	return c.seqs, c.weights
}

// Order returns the canonical order: the only sequence when there is one,
// otherwise the regularized merge.
func (c *Collector) Order() []string {
	switch len(c.seqs) {
	case 0:
		return nil
	case 1:
		return append([]string(nil), c.seqs[0]...)
	}
	return Regularize(c.seqs, c.weights)
}

// signature is a stable identity for a sequence.
func signature(seq []string) string {
	return strings.Join(seq, "\x1f")
}
