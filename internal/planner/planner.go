// Package planner implements the Batch Planner: it turns a group's
// subscribed tag names into an efficient mix of scalar, full-array and
// sparse-element CIP read requests (spec §4.2).
package planner

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

// ArrayMode selects how array-indexed tags are batched.
type ArrayMode string

const (
	ModeBatch      ArrayMode = "batch"
	ModeIndividual ArrayMode = "individual"

	arrayModeEnvVar = "PYCOMM3_ARRAY_MODE"
)

// ArrayModeFromEnv reads PYCOMM3_ARRAY_MODE (spec §6.4); an unset or invalid
// value falls back to ModeBatch.
func ArrayModeFromEnv() ArrayMode {
	switch ArrayMode(os.Getenv(arrayModeEnvVar)) {
	case ModeIndividual:
		return ModeIndividual
	default:
		return ModeBatch
	}
}

// arrayRef matches a trailing bracketed integer index, e.g. "Base[12]".
var arrayRef = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

// EntryKind distinguishes the three request shapes a Plan can contain.
type EntryKind int

const (
	Scalar EntryKind = iota
	FullArray
	Sparse
)

// Entry is one request token in a Plan, with the mapping needed to route
// the driver's response back to subscribed tag_ids.
type Entry struct {
	Kind EntryKind

	// Scalar / Sparse.
	Request string
	TagID   int64

	// FullArray.
	Base         string
	N            int
	IndexToTagID map[int]int64
}

// Plan is an ordered read plan for one group's poll iteration.
type Plan struct {
	Entries []Entry
}

// TagRef is one subscribed tag as seen by the planner.
type TagRef struct {
	TagID   int64
	TagName string
}

// Build partitions refs into a Plan according to the spec §4.2 density
// heuristic, honoring mode.
func Build(refs []TagRef, mode ArrayMode) Plan {
	var scalars []TagRef
	arrays := make(map[string]map[int]int64) // base -> index -> tagID

	for _, r := range refs {
		m := arrayRef.FindStringSubmatch(r.TagName)
		if m == nil {
			scalars = append(scalars, r)
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			// Non-integer bracket content (shouldn't happen given the regex,
			// but fall back to scalar defensively).
			scalars = append(scalars, r)
			continue
		}
		base := m[1]
		if arrays[base] == nil {
			arrays[base] = make(map[int]int64)
		}
		arrays[base][idx] = r.TagID
	}

	var plan Plan
	for _, r := range scalars {
		plan.Entries = append(plan.Entries, Entry{Kind: Scalar, Request: r.TagName, TagID: r.TagID})
	}

	bases := make([]string, 0, len(arrays))
	for base := range arrays {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	for _, base := range bases {
		indexMap := arrays[base]
		s := len(indexMap)
		maxIdx := 0
		for i := range indexMap {
			if i > maxIdx {
				maxIdx = i
			}
		}
		n := maxIdx + 1

		useBatch := mode == ModeBatch && (s >= 10 || float64(s) >= 0.1*float64(n))
		if useBatch {
			plan.Entries = append(plan.Entries, Entry{
				Kind:         FullArray,
				Base:         base,
				N:            n,
				Request:      fmt.Sprintf("%s{%d}", base, n),
				IndexToTagID: indexMap,
			})
			continue
		}

		indices := make([]int, 0, len(indexMap))
		for i := range indexMap {
			indices = append(indices, i)
		}
		sort.Ints(indices)
		for _, i := range indices {
			plan.Entries = append(plan.Entries, Entry{
				Kind:    Sparse,
				Request: fmt.Sprintf("%s[%d]", base, i),
				TagID:   indexMap[i],
			})
		}
	}

	return plan
}

// Empty reports whether the plan has no entries at all.
func (p Plan) Empty() bool { return len(p.Entries) == 0 }

// RequestTokens returns the driver-facing request strings in plan order.
func (p Plan) RequestTokens() []string {
	out := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.Request
	}
	return out
}

// Validate is a defensive helper used by tests to assert no tag_id appears
// in two entries at once.
func (p Plan) Validate() error {
	seen := make(map[int64]struct{})
	mark := func(id int64) error {
		if _, ok := seen[id]; ok {
			return fmt.Errorf("planner: tag_id %d present in more than one plan entry", id)
		}
		seen[id] = struct{}{}
		return nil
	}
	for _, e := range p.Entries {
		switch e.Kind {
		case Scalar, Sparse:
			if err := mark(e.TagID); err != nil {
				return err
			}
		case FullArray:
			for _, id := range e.IndexToTagID {
				if err := mark(id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
