// Package stats serializes per-core scheduler queue depths as a
// pprof profile, so `go tool pprof` can graph run-queue imbalance over
// time the same way it graphs CPU/heap profiles. This extends
// biscuit's own stats reporting (mem.go's Physmem.Pgcount(), printed
// as plain text) into a format with existing tooling around it, which
// spec's component table names only as "stats" without specifying a
// wire format.
package stats

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"github.com/UnknownEclipse/kepler/sched"
)

// Snapshot builds a pprof profile with one sample per core, with two
// value columns: local ring depth and overflow-queue depth.
func Snapshot(s *sched.Scheduler, timeNanos int64) *profile.Profile {
	p := &profile.Profile{
		TimeNanos: timeNanos,
		SampleType: []*profile.ValueType{
			{Type: "ring_depth", Unit: "tasks"},
			{Type: "overflow_depth", Unit: "tasks"},
		},
	}

	stats := s.Stats()
	p.Function = make([]*profile.Function, len(stats))
	p.Location = make([]*profile.Location, len(stats))
	p.Sample = make([]*profile.Sample, len(stats))

	for i, cs := range stats {
		id := uint64(i + 1)
		fn := &profile.Function{ID: id, Name: fmt.Sprintf("core%d", cs.Core)}
		loc := &profile.Location{ID: id, Line: []profile.Line{{Function: fn}}}
		p.Function[i] = fn
		p.Location[i] = loc
		p.Sample[i] = &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(cs.RingDepth), cs.OverflowDepth},
			Label:    map[string][]string{"core": {fmt.Sprint(cs.Core)}},
		}
	}
	return p
}

// Write snapshots s and writes the gzip-encoded pprof profile to w.
func Write(w io.Writer, s *sched.Scheduler, timeNanos int64) error {
	return Snapshot(s, timeNanos).Write(w)
}
