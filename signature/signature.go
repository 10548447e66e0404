// Package signature computes the stable digests used to key the check
// and report caches. Two operations that are semantically equal but
// differ only in label or metric-value-set insertion order must hash
// to the same signature.
package signature

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/servicecontrol/client/sctypes"
)

const sep = byte(0)

// Signature is an 8-byte digest suitable for use as a map key once
// converted to a string.
type Signature [8]byte

func (s Signature) String() string {
	return string(s[:])
}

func sum(h *xxhash.Digest) Signature {
	var sig Signature
	binary.BigEndian.PutUint64(sig[:], h.Sum64())
	return sig
}

// writeLabels folds a label set into h in key-sorted order so that two
// maps with identical contents but different iteration order produce
// the same digest.
func writeLabels(h *xxhash.Digest, labels map[string]string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{sep})
		_, _ = h.WriteString(k)
		h.Write([]byte{sep})
		_, _ = h.WriteString(labels[k])
	}
}

// MetricValue returns the signature of a single metric value: the
// label set only, independent of which metric or operation it belongs
// to. Two MetricValues with equal labels collide so the operation
// aggregator can find the matching accumulator to merge into.
func MetricValue(mv *sctypes.MetricValue) Signature {
	h := xxhash.New()
	writeLabels(h, mv.Labels)
	return sum(h)
}

// Operation returns the signature of an operation for use as a report
// cache key: consumer id, operation name, and sorted labels. The check
// cache keys on CheckRequest instead.
func Operation(op *sctypes.Operation) Signature {
	h := xxhash.New()
	_, _ = h.WriteString(op.ConsumerID)
	h.Write([]byte{sep})
	_, _ = h.WriteString(op.OperationName)
	writeLabels(h, op.Labels)
	return sum(h)
}

// CheckRequest returns the signature of a full check request: the
// operation signature folded with, for every metric value set in
// sorted order, the metric name and the signature of every metric
// value it contains.
func CheckRequest(req *sctypes.CheckRequest) Signature {
	h := xxhash.New()
	op := req.Operation
	_, _ = h.WriteString(op.ConsumerID)
	h.Write([]byte{sep})
	_, _ = h.WriteString(op.OperationName)
	writeLabels(h, op.Labels)

	sets := make([]sctypes.MetricValueSet, len(op.MetricValueSets))
	copy(sets, op.MetricValueSets)
	sort.Slice(sets, func(i, j int) bool { return sets[i].MetricName < sets[j].MetricName })

	for _, set := range sets {
		h.Write([]byte{sep})
		_, _ = h.WriteString(set.MetricName)

		sigs := make([]Signature, len(set.MetricValues))
		for i := range set.MetricValues {
			sigs[i] = MetricValue(&set.MetricValues[i])
		}
		sort.Slice(sigs, func(i, j int) bool { return sigs[i].String() < sigs[j].String() })
		for _, s := range sigs {
			h.Write([]byte{sep})
			h.Write(s[:])
		}
	}
	return sum(h)
}
