// Package stats carries the library's ambient statistical counters:
// atomically-updated tallies a Pool and its engine update as they run, and
// a human-readable dump of them. Grounded on biscuit/src/stats's
// Counter_t/Cycles_t/Stats2String pattern (an atomic counter type plus a
// reflection-based dump of a struct of them), generalized from that
// package's bare string concatenation to golang.org/x/text/message so
// byte and segment counts print with locale-aware grouping.
package stats

import (
	"reflect"
	"strings"
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Counter is a monotonic statistical tally, the same shape as biscuit's
// Counter_t but always live: unlike that package's build-time Stats flag,
// these counters cost one atomic add regardless, since a checkpoint
// engine's own critical section already dominates that cost.
type Counter int64

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64((*int64)(c), 1) }

// Add adds n to the counter.
func (c *Counter) Add(n int64) { atomic.AddInt64((*int64)(c), n) }

// Load reads the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64((*int64)(c)) }

// Counters tallies the events a Pool and its engine care about reporting.
// Every field is a Counter so Report can find them by reflection, the same
// convention Stats2String relies on.
type Counters struct {
	ChecksCommitted       Counter // successful Checkpoint rounds
	ChecksFailed          Counter // Checkpoint rounds that returned an error
	BlocksDirtied         Counter // AnnotateCheckpointRegion lengths rounded up to whole blocks, summed
	BytesWrittenBack      Counter // bytes passed to AnnotateCheckpointRegion, summed
	BackSegmentsBound     Counter // not updated by pool.Pool or any engine
	BackSegmentsExhausted Counter // not updated by pool.Pool or any engine
	Recoveries            Counter // Open calls on an existing image that already held a snapshot
	AllocFailures         Counter // Alloc calls that returned false (heap exhausted)
}

// Global is the default process-wide counter set. A Pool uses this unless
// constructed against a different *Counters (tests typically want their
// own, to avoid cross-test interference).
var Global = &Counters{}

// Report formats every non-zero counter in c as one line per field, with
// thousands-grouped integers via x/text/message, the generalized
// replacement for Stats2String's plain strconv.FormatInt concatenation.
// Zero-valued counters are omitted so a report stays readable on a mostly
// idle pool.
func Report(c *Counters) string {
	p := message.NewPrinter(language.English)
	v := reflect.ValueOf(*c)
	t := v.Type()
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		fv := v.Field(i).Interface().(Counter)
		if fv == 0 {
			continue
		}
		p.Fprintf(&b, "%s: %d\n", t.Field(i).Name, int64(fv))
	}
	if b.Len() == 0 {
		return "(no activity)\n"
	}
	return b.String()
}

// Reset zeroes every field in c, used between test runs or when a caller
// wants a report scoped to a single checkpoint round rather than a whole
// process lifetime.
func Reset(c *Counters) {
	*c = Counters{}
}
