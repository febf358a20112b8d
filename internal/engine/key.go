package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"
)

// KeyValue is a grouping, partitioning or join key. AppendKey must produce
// the same bytes for equal keys and different bytes for different keys.
type KeyValue interface {
	comparable
	AppendKey(b []byte) []byte
}

// Key extracts a key from rows of type T and names the columns it is built
// from. The column names are validated against the table schema when an
// operator using the key is added to a graph.
type Key[T any, K KeyValue] struct {
	Columns []string
	Extract func(T) K
}

// NewKey creates a key over the named columns.
func NewKey[T any, K KeyValue](extract func(T) K, columns ...string) Key[T, K] {
	return Key[T, K]{Columns: columns, Extract: extract}
}

// encoding identifies the key's byte encoding. Two layouts can only be
// aligned when their keys encode through the same type.
func (k Key[T, K]) encoding() string {
	var zero K
	return fmt.Sprintf("%T", zero)
}

// Scheme is a partitioning scheme.
type Scheme int

const (
	// SchemeNone means rows are distributed arbitrarily.
	SchemeNone Scheme = iota
	// SchemeHash means rows are assigned by hash of a key modulo the
	// partition count.
	SchemeHash
)

func (s Scheme) String() string {
	switch s {
	case SchemeHash:
		return "hash"
	default:
		return "none"
	}
}

// Layout describes how a table's rows are distributed across partitions.
type Layout struct {
	Scheme   Scheme
	Keys     []string
	Encoding string
	Seed     uint32
	Count    int
}

func (l Layout) String() string {
	if l.Scheme == SchemeNone {
		return fmt.Sprintf("none(%d)", l.Count)
	}
	return fmt.Sprintf("hash(%s; seed=%d; n=%d)", strings.Join(l.Keys, ","), l.Seed, l.Count)
}

// hashedBy reports whether the layout hash-partitions rows by the given key
// columns and encoding.
func (l Layout) hashedBy(keys []string, encoding string) bool {
	return l.Scheme == SchemeHash && l.Encoding == encoding && slices.Equal(l.Keys, keys)
}

// alignedWith reports whether two layouts assign equal key values to the
// same partition index. Key column names may differ between the two sides.
func (l Layout) alignedWith(o Layout) bool {
	return l.Scheme == SchemeHash && o.Scheme == SchemeHash &&
		l.Encoding == o.Encoding && l.Seed == o.Seed && l.Count == o.Count &&
		len(l.Keys) == len(o.Keys)
}

// renamed returns a copy of the layout with key columns renamed. It reports
// false when a key column does not survive.
func (l Layout) renamed(rename func(string) (string, bool)) (Layout, bool) {
	if l.Scheme == SchemeNone {
		return l, true
	}
	keys := make([]string, len(l.Keys))
	for i, k := range l.Keys {
		n, ok := rename(k)
		if !ok {
			return Layout{Scheme: SchemeNone, Count: l.Count}, false
		}
		keys[i] = n
	}
	out := l
	out.Keys = keys
	return out, true
}

// Bucket is the descriptor a hash-partitioned partition carries to prove
// colocation: every row in it hashes to Index under Layout.
type Bucket struct {
	Layout Layout
	Index  int
}

func (b *Bucket) String() string {
	if b == nil {
		return "unbucketed"
	}
	return fmt.Sprintf("%s[%d]", b.Layout, b.Index)
}

// assigner maps keys to partition indexes. It reuses a scratch buffer and is
// not safe for concurrent use.
type assigner[T any, K KeyValue] struct {
	key  Key[T, K]
	seed uint32
	n    uint32
	buf  []byte
}

func newAssigner[T any, K KeyValue](key Key[T, K], seed uint32, n int) *assigner[T, K] {
	return &assigner[T, K]{key: key, seed: seed, n: uint32(n), buf: make([]byte, 0, 64)}
}

func (a *assigner[T, K]) assign(row T) int {
	return a.assignKey(a.key.Extract(row))
}

func (a *assigner[T, K]) assignKey(k K) int {
	a.buf = k.AppendKey(a.buf[:0])
	return int(murmur3.Sum32WithSeed(a.buf, a.seed) % a.n)
}

// Assign returns the partition index a key value is assigned to under a hash
// layout with the given seed and partition count.
func Assign[K KeyValue](k K, seed uint32, n int) int {
	b := k.AppendKey(make([]byte, 0, 64))
	return int(murmur3.Sum32WithSeed(b, seed) % uint32(n))
}
