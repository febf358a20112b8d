package engine

import (
	"sort"
	"sync/atomic"
	"time"
)

// NodeStats records what one node did during a run.
type NodeStats struct {
	ID           int64
	Kind         string
	Label        string
	Partitions   int
	Rows         int64
	Bytes        int64
	SpilledBytes int64
	SpillFiles   int64
	Duration     time.Duration
	// Shared is true when the node fed more than one action.
	Shared bool
	// Skipped is true when the node never ran because every consumer failed.
	Skipped bool
	Err     error
}

// statsRecorder collects counters from concurrent partition tasks.
type statsRecorder struct {
	rows         atomic.Int64
	bytes        atomic.Int64
	spilledBytes atomic.Int64
	spillFiles   atomic.Int64
}

func (s *statsRecorder) snapshot(n *node, partitions int, d time.Duration) NodeStats {
	return NodeStats{
		ID:           n.id,
		Kind:         n.kind,
		Label:        n.label(),
		Partitions:   partitions,
		Rows:         s.rows.Load(),
		Bytes:        s.bytes.Load(),
		SpilledBytes: s.spilledBytes.Load(),
		SpillFiles:   s.spillFiles.Load(),
		Duration:     d,
	}
}

// Totals aggregates node statistics.
type Totals struct {
	Nodes        int
	Rows         int64
	SpilledBytes int64
	SpillFiles   int64
	Failed       int
}

// Summarize totals a set of node statistics.
func Summarize(nodes []NodeStats) Totals {
	var t Totals
	for _, n := range nodes {
		t.Nodes++
		t.Rows += n.Rows
		t.SpilledBytes += n.SpilledBytes
		t.SpillFiles += n.SpillFiles
		if n.Err != nil {
			t.Failed++
		}
	}
	return t
}

// TopSpillers returns up to n nodes that spilled the most bytes, largest
// first. Nodes that did not spill are left out.
func TopSpillers(nodes []NodeStats, n int) []NodeStats {
	if n <= 0 {
		return []NodeStats{}
	}
	out := make([]NodeStats, 0, len(nodes))
	for _, s := range nodes {
		if s.SpilledBytes > 0 {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpilledBytes != out[j].SpilledBytes {
			return out[i].SpilledBytes > out[j].SpilledBytes
		}
		return out[i].ID < out[j].ID
	})
	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}
