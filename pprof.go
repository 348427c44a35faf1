package mallocmonitor

import (
	"os"

	"github.com/google/pprof/profile"
)

// BuildAllocProfile aggregates every successful allocation in the trace into
// a pprof profile with alloc_objects/alloc_space sample types, one sample
// per distinct callstack. Locations carry raw frame addresses only;
// symbolication is left to pprof and the traced binary.
func BuildAllocProfile(t *Trace) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "alloc_objects", Unit: "count"},
			{Type: "alloc_space", Unit: "bytes"},
		},
	}

	type counter struct {
		objects int64
		bytes   int64
	}
	counters := make(map[StackID]*counter)

	for i := range t.ops {
		op := &t.ops[i]
		switch op.Kind {
		case OpMalloc, OpMemalign:
			if op.Result == 0 {
				continue
			}
		case OpRealloc:
			if op.Result == 0 || op.Size == 0 {
				continue
			}
		default:
			continue
		}
		c := counters[op.Stack]
		if c == nil {
			c = &counter{}
			counters[op.Stack] = c
		}
		c.objects++
		c.bytes += int64(op.Size)
	}

	locationCache := make(map[uint64]*profile.Location)
	location := func(frame uint64) *profile.Location {
		loc := locationCache[frame]
		if loc == nil {
			loc = &profile.Location{
				ID:      uint64(len(locationCache)) + 1, // 0 is reserved by pprof
				Address: frame,
			}
			locationCache[frame] = loc
		}
		return loc
	}

	prof.Sample = make([]*profile.Sample, 0, len(counters))
	for id, c := range counters {
		frames := t.stacks.Frames(id)
		locations := make([]*profile.Location, len(frames))
		// Frames come back innermost-first, which is also the order
		// pprof wants its locations in.
		for i, frame := range frames {
			locations[i] = location(frame)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locations,
			Value:    []int64{c.objects, c.bytes},
		})
	}

	prof.Location = make([]*profile.Location, len(locationCache))
	for _, loc := range locationCache {
		prof.Location[loc.ID-1] = loc
	}

	return prof
}

// WriteProfile writes a profile to a file at the given path.
func WriteProfile(path string, prof *profile.Profile) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return prof.Write(w)
}
