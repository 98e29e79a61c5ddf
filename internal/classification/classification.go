// Package classification implements the ordered-label lattice used to roll
// up result classifications into a submission classification.
package classification

// DefaultLevels is the built-in classification ordering, least restrictive
// first.
var DefaultLevels = []string{"UNRESTRICTED", "RESTRICTED", "CONFIDENTIAL", "SECRET"}

// Engine folds classification labels over a total order. Labels outside the
// configured order rank below every configured label, so an unknown label
// never raises a submission's classification.
type Engine struct {
	levels []string
	rank   map[string]int
}

// NewEngine creates an engine over the given ordered levels, least
// restrictive first. An empty slice falls back to [DefaultLevels].
func NewEngine(levels []string) *Engine {
	if len(levels) == 0 {
		levels = DefaultLevels
	}

	rank := make(map[string]int, len(levels))
	for i, level := range levels {
		rank[level] = i
	}

	return &Engine{levels: levels, rank: rank}
}

// Max returns the more restrictive of the two labels.
func (e *Engine) Max(a, b string) string {
	if e.rankOf(b) > e.rankOf(a) {
		return b
	}

	return a
}

// Fold reduces a base label and a list of labels to the most restrictive.
func (e *Engine) Fold(base string, labels []string) string {
	out := base
	for _, label := range labels {
		out = e.Max(out, label)
	}

	return out
}

// Minimum returns the least restrictive configured label.
func (e *Engine) Minimum() string {
	return e.levels[0]
}

func (e *Engine) rankOf(label string) int {
	r, ok := e.rank[label]
	if !ok {
		return -1
	}

	return r
}
