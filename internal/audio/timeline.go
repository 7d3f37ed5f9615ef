package audio

import "time"

// DefaultAlignSlack is how far a source may trail the clock before the gap is
// treated as silence rather than jitter.
const DefaultAlignSlack = 40 * time.Millisecond

// Timeline sums several sources into one stream positioned by capture time.
// Each source keeps a write cursor; frames that continue the cursor are laid
// down back to back, and a source that falls behind the clock by more than
// the slack is padded with silence up to the frame's capture offset.
// Timeline is not safe for concurrent use.
type Timeline struct {
	rate    int
	start   time.Time
	slack   int64
	base    int64
	acc     []int32
	cursors map[string]int64
}

func NewTimeline(sampleRate int, start time.Time, slack time.Duration) *Timeline {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if slack < 0 {
		slack = 0
	}
	tl := &Timeline{
		rate:    sampleRate,
		start:   start,
		cursors: make(map[string]int64),
	}
	tl.slack = tl.Offset(start.Add(slack))
	return tl
}

// Offset converts a wall time into a sample index on the timeline.
func (tl *Timeline) Offset(at time.Time) int64 {
	d := at.Sub(tl.start)
	if d <= 0 {
		return 0
	}
	return int64(d) * int64(tl.rate) / int64(time.Second)
}

// Write lays samples (already at the timeline rate) for source down at the
// position implied by at.
func (tl *Timeline) Write(source string, at time.Time, samples []int16) {
	pos := tl.cursors[source]
	if arrival := tl.Offset(at); arrival-pos > tl.slack {
		pos = arrival
	}
	if pos < tl.base {
		pos = tl.base
	}
	idx := int(pos - tl.base)
	if need := idx + len(samples); need > len(tl.acc) {
		tl.acc = append(tl.acc, make([]int32, need-len(tl.acc))...)
	}
	for i, s := range samples {
		tl.acc[idx+i] += int32(s)
	}
	tl.cursors[source] = pos + int64(len(samples))
}

// Flush emits the mixed samples in [base, end) and advances the base. Gaps
// nobody wrote to come out as silence.
func (tl *Timeline) Flush(end int64) []int16 {
	if end <= tl.base {
		return nil
	}
	n := int(end - tl.base)
	out := make([]int16, n)
	k := n
	if k > len(tl.acc) {
		k = len(tl.acc)
	}
	for i := 0; i < k; i++ {
		out[i] = clip16(tl.acc[i])
	}
	tl.acc = append([]int32(nil), tl.acc[k:]...)
	tl.base = end
	return out
}

// End is the furthest sample any source has written.
func (tl *Timeline) End() int64 {
	return tl.base + int64(len(tl.acc))
}
