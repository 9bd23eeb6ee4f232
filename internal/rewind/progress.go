package rewind

import "context"

// Stages reported through Progress.
const (
	StageStart       = "start"
	StageSnapshot    = "snapshot"
	StageQuery       = "query"
	StageReplay      = "replay"
	StageMaterialize = "materialize"
	StageGit         = "git"
	StageManifest    = "manifest"
	StageCompare     = "compare"
	StageDone        = "done"
)

// Progress is one milestone of a rewind. Percent is non-decreasing
// within a rewind: 0, 10, 20, 30, 40-80 while replaying, 80-95 while
// writing files, 95 and finally 100.
type Progress struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Percent int    `json:"percent"`
}

// reporter fans progress out to the optional callback and channel.
type reporter struct {
	fn   func(Progress)
	ch   chan<- Progress
	last int
}

func (r *reporter) report(ctx context.Context, stage, msg string, pct int) {
	if r == nil || (r.fn == nil && r.ch == nil) {
		return
	}
	if pct < r.last {
		pct = r.last
	}
	r.last = pct
	p := Progress{Stage: stage, Message: msg, Percent: pct}
	if r.fn != nil {
		r.fn(p)
	}
	if r.ch != nil {
		select {
		case r.ch <- p:
		case <-ctx.Done():
		}
	}
}

// span maps i of n onto [from, to].
func span(from, to, i, n int) int {
	if n <= 0 {
		return to
	}
	return from + (to-from)*i/n
}
