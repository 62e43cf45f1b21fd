// Copyright 2026 Altair Contributors
// SPDX-License-Identifier: Apache-2.0

// Package merge implements the three-tier conflict classifier shared by the
// sync client and server-side tooling. It is pure: given the same payloads
// and field-type map it always produces the same tier and, for the auto
// tier, the same merged payload. This keeps the conflict policy testable in
// isolation of storage and transport.
package merge

import (
	"reflect"
	"sort"
	"time"
)

// FieldKind classifies a payload field for conflict routing.
type FieldKind string

const (
	// KindScalar marks short single-valued fields (status, title, counts).
	// Concurrent divergent edits resolve by last-write-wins.
	KindScalar FieldKind = "scalar"
	// KindLongText marks long-form text (note bodies). Concurrent divergent
	// edits are never auto-merged.
	KindLongText FieldKind = "longtext"
)

// Tier is the conflict-resolution policy bucket.
type Tier string

const (
	// TierAuto merges without user involvement (disjoint or additive edits).
	TierAuto Tier = "auto"
	// TierSimple resolves by last-write-wins but records what was overridden.
	TierSimple Tier = "simple"
	// TierComplex defers to the user, preserving both payload snapshots.
	TierComplex Tier = "complex"
)

// FieldTypes maps "collection.field" to a FieldKind. Fields absent from the
// map are treated as scalar. The map is supplied by the application layer;
// the sync core carries no schema knowledge beyond this.
type FieldTypes map[string]FieldKind

// Kind returns the kind for a field of a collection.
func (ft FieldTypes) Kind(collection, field string) FieldKind {
	if k, ok := ft[collection+"."+field]; ok {
		return k
	}
	return KindScalar
}

// Result is the outcome of classifying a local/remote payload pair.
type Result struct {
	Tier Tier
	// Merged is the field-by-field merge result. Populated only for
	// TierAuto; nil otherwise (the winner's payload is chosen by timestamp).
	Merged map[string]any
	// Fields lists the conflicting field names (sorted) for the simple and
	// complex tiers.
	Fields []string
}

// Classify compares a local and a remote payload for the same record and
// assigns a conflict tier. base is the last payload both sides agreed on
// (the server-acked snapshot); it may be nil, in which case a two-way
// comparison is used: equal fields are no conflict, list fields union, and
// any other divergence conflicts per field kind.
func Classify(collection string, base, local, remote map[string]any, types FieldTypes) Result {
	merged := make(map[string]any)
	var conflicts []string
	tier := TierAuto

	for _, field := range unionKeys(base, local, remote) {
		lv, lok := local[field]
		rv, rok := remote[field]
		bv, bok := base[field]

		// Identical on both sides: remote wins, idempotent no-op.
		if lok == rok && valueEqual(lv, rv) {
			if rok {
				merged[field] = rv
			}
			continue
		}

		localChanged := true
		remoteChanged := true
		if base != nil {
			localChanged = lok != bok || !valueEqual(lv, bv)
			remoteChanged = rok != bok || !valueEqual(rv, bv)
		}

		switch {
		case localChanged && !remoteChanged:
			if lok {
				merged[field] = lv
			}
		case remoteChanged && !localChanged:
			if rok {
				merged[field] = rv
			}
		default:
			// Both sides changed the field to different values.
			ll, lIsList := lv.([]any)
			rl, rIsList := rv.([]any)
			if lIsList && rIsList {
				bl, _ := bv.([]any)
				merged[field] = unionLists(bl, ll, rl)
				continue
			}
			conflicts = append(conflicts, field)
			if types.Kind(collection, field) == KindLongText {
				tier = TierComplex
			} else if tier != TierComplex {
				tier = TierSimple
			}
		}
	}

	if len(conflicts) == 0 {
		return Result{Tier: TierAuto, Merged: merged}
	}
	sort.Strings(conflicts)
	return Result{Tier: tier, Fields: conflicts}
}

// LocalWins reports whether the local side wins a last-write-wins
// comparison. Timestamps compare at millisecond precision; on a tie the
// lexicographically smaller device ID wins, so the outcome is reproducible
// across devices.
func LocalWins(localUpdated time.Time, localDevice string, remoteUpdated time.Time, remoteDevice string) bool {
	lu := localUpdated.UTC().Truncate(time.Millisecond)
	ru := remoteUpdated.UTC().Truncate(time.Millisecond)
	if !lu.Equal(ru) {
		return lu.After(ru)
	}
	return localDevice < remoteDevice
}

// Equal reports whether two payloads are deeply equal after JSON
// normalization.
func Equal(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

// unionKeys returns the sorted union of keys across the given maps.
// Sorted iteration keeps classification order-independent of map layout.
func unionKeys(maps ...map[string]any) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// unionLists merges two concurrently edited lists additively: the local
// list keeps its order, then remote items not already present are appended
// in remote order. Items removed locally (present in base, absent locally)
// stay removed.
func unionLists(base, local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	out = append(out, local...)
	for _, rv := range remote {
		if listContains(local, rv) {
			continue
		}
		if listContains(base, rv) && !listContains(local, rv) {
			continue // removed locally
		}
		out = append(out, rv)
	}
	return out
}

func listContains(list []any, v any) bool {
	for _, item := range list {
		if valueEqual(item, v) {
			return true
		}
	}
	return false
}

func valueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
