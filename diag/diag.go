// Package diag builds a profile.proto snapshot (via
// github.com/google/pprof/profile) of an engine's dirty-tracking state:
// per-thread dirty-ring fill levels and per-segment dirty-block counts.
// Grounded on SPEC_FULL.md's DOMAIN STACK table, which calls this out as a
// structured alternative to stats.Report for the same underlying
// dirty.Ring/dirty.Bitmap state biscuit's bare Stats2String would have
// dumped as a string.
//
// An engine exposes what it can through two optional interfaces
// discovered by type assertion, not through engine.Engine itself: noop
// tracks no dirty state at all, and softdirty derives its signal from the
// kernel rather than a ring or bitmap, so neither implements either
// interface, and a snapshot of them is simply empty.
package diag

import (
	"fmt"
	"io"
	"sort"

	"github.com/google/pprof/profile"
)

// RingSource is implemented by engines that queue dirty block ids on
// per-thread rings (instrumented, undolog).
type RingSource interface {
	RingFill() []int
}

// SegmentSource is implemented by engines that track dirty blocks in a
// segment-addressable bitmap (instrumented, mprotect, undolog).
type SegmentSource interface {
	DirtySegmentCounts() map[uint64]int
}

const (
	ringFillType   = "ring_fill"
	segmentType    = "segment_dirty"
	blocksUnit     = "blocks"
	threadLabelKey = "thread"
	segmentLabel   = "segment"
)

// Snapshot builds a profile.Profile describing eng's current dirty state,
// labeled with engineName (e.g. "instrumented") in a profile comment.
// Every sample carries both value slots (ring_fill, segment_dirty); a
// sample contributing only one of them leaves the other zero.
func Snapshot(engineName string, eng interface{}) *profile.Profile {
	fn := &profile.Function{ID: 1, Name: engineName}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: ringFillType, Unit: blocksUnit},
			{Type: segmentType, Unit: blocksUnit},
		},
		DefaultSampleType: segmentType,
		Comments:          []string{"engine=" + engineName},
		Function:          []*profile.Function{fn},
		Location:          []*profile.Location{loc},
	}

	if rs, ok := eng.(RingSource); ok {
		for tid, fill := range rs.RingFill() {
			if fill == 0 {
				continue
			}
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{int64(fill), 0},
				Label:    map[string][]string{threadLabelKey: {fmt.Sprintf("%d", tid)}},
			})
		}
	}

	if ss, ok := eng.(SegmentSource); ok {
		counts := ss.DirtySegmentCounts()
		segs := make([]uint64, 0, len(counts))
		for seg := range counts {
			segs = append(segs, seg)
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
		for _, seg := range segs {
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{0, int64(counts[seg])},
				Label:    map[string][]string{segmentLabel: {fmt.Sprintf("%d", seg)}},
			})
		}
	}

	return p
}

// Write serializes p in gzip'd profile.proto form, the format pprof's own
// command-line tool and web UI read directly.
func Write(w io.Writer, p *profile.Profile) error {
	return p.Write(w)
}
