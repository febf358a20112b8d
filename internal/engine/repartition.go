package engine

import (
	"context"

	"github.com/ledgerrecon/recon/internal/errors"
)

// DefaultSeed is the hash seed used when none is configured.
const DefaultSeed uint32 = 0x5eed

// RepartitionOption configures Repartition and GroupByKeysSum.
type RepartitionOption func(*repartitionConfig)

type repartitionConfig struct {
	count       int
	targetBytes int64
	seed        uint32
}

// Partitions sets the number of output partitions.
func Partitions(n int) RepartitionOption {
	return func(c *repartitionConfig) { c.count = n }
}

// TargetBytes derives the number of output partitions from the input's
// estimated size. Partitions takes precedence.
func TargetBytes(b int64) RepartitionOption {
	return func(c *repartitionConfig) { c.targetBytes = b }
}

// Seed sets the hash seed. Tables joined together must use the same seed.
func Seed(s uint32) RepartitionOption {
	return func(c *repartitionConfig) { c.seed = s }
}

// PartitionsFor returns how many partitions of at most target bytes a
// dataset of size bytes needs. It never returns less than one.
func PartitionsFor(size, target int64) int {
	if target <= 0 || size <= 0 {
		return 1
	}
	return int((size + target - 1) / target)
}

func resolveRepartition(in *node, opts []RepartitionOption) repartitionConfig {
	cfg := repartitionConfig{seed: DefaultSeed}
	for _, o := range opts {
		o(&cfg)
	}
	switch {
	case cfg.count > 0:
	case cfg.targetBytes > 0:
		cfg.count = PartitionsFor(in.estBytes, cfg.targetBytes)
	case in.parts > 0:
		cfg.count = in.parts
	default:
		cfg.count = 1
	}
	return cfg
}

// Repartition redistributes rows so that all rows with equal keys share a
// partition. A row goes to murmur3(key bytes, seed) mod the partition count,
// so the same key, seed and count always produce the same assignment.
//
// Each input partition is split into one builder per output partition, and
// output partition j is the concatenation of the j-th pieces of every input.
// Pieces that outgrow the spill threshold are written to disk and streamed
// back when read, so a heavily skewed key does not have to fit in memory.
//
// Repartitioning a table that is already hash-partitioned by the same key,
// seed and count hands its partitions through unchanged.
func Repartition[T any, K KeyValue](t Table[T], key Key[T, K], opts ...RepartitionOption) Table[T] {
	in := t.n
	n := newNode("repartition", in)
	n.keys = key.Columns
	if n.err != nil {
		return Table[T]{n: n}
	}
	n.schema = in.schema
	if len(key.Columns) == 0 || key.Extract == nil {
		n.fail(errors.NewInvalidPlan("repartition: key has no columns"))
		return Table[T]{n: n}
	}
	if err := in.schema.Require(key.Columns...); err != nil {
		n.fail(asRecon(err, "repartition"))
		return Table[T]{n: n}
	}
	cfg := resolveRepartition(in, opts)
	layout := Layout{
		Scheme:   SchemeHash,
		Keys:     append([]string(nil), key.Columns...),
		Encoding: key.encoding(),
		Seed:     cfg.seed,
		Count:    cfg.count,
	}
	n.layout, n.parts = layout, cfg.count

	if in.layout.hashedBy(layout.Keys, layout.Encoding) && in.layout.Seed == layout.Seed && in.layout.Count == layout.Count {
		n.sortedBy = in.sortedBy
		n.run = func(_ context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
			out := make([]*Partition, len(in[0]))
			for i, p := range in[0] {
				out[i] = p.share(i, &Bucket{Layout: layout, Index: i})
				r.stats.rows.Add(p.Rows())
				r.stats.bytes.Add(p.Bytes())
			}
			return out, nil
		}
		return Table[T]{n: n}
	}

	n.run = func(ctx context.Context, r *nodeRun, in [][]*Partition) ([]*Partition, error) {
		m, count := len(in[0]), layout.Count
		pieces := make([][]*Partition, m)
		err := r.parallel(ctx, m, func(ctx context.Context, i int) error {
			a := newAssigner(key, layout.Seed, count)
			builders := make([]*builder[T], count)
			for j := range builders {
				builders[j] = newBuilder[T](r, j)
			}
			discard := func() {
				for _, b := range builders {
					if b != nil {
						b.Discard()
					}
				}
			}
			err := scan(ctx, in[0][i], func(row T) error {
				return builders[a.assign(row)].Add(row)
			})
			if err != nil {
				discard()
				return err
			}
			out := make([]*Partition, count)
			for j, b := range builders {
				builders[j] = nil
				p, err := b.Finish(nil)
				if err != nil {
					discard()
					releaseAll(out)
					return err
				}
				out[j] = p
			}
			pieces[i] = out
			return nil
		})
		if err != nil {
			for _, ps := range pieces {
				releaseAll(ps)
			}
			return nil, err
		}

		out := make([]*Partition, count)
		column := make([]*Partition, m)
		for j := 0; j < count; j++ {
			for i := 0; i < m; i++ {
				column[i] = pieces[i][j]
			}
			out[j] = concatPartitions(j, &Bucket{Layout: layout, Index: j}, column)
		}
		spilled := 0
		for _, p := range out {
			spilled += p.SpilledSegments()
		}
		if spilled > 0 {
			r.ec.logger.Info("repartition spilled to disk", "node", r.n.label(), "keys", layout.Keys, "segments", spilled)
		}
		return out, nil
	}
	return Table[T]{n: n}
}
