package stage

import (
	"regexp"
	"strconv"
)

// ProgressMatcher extracts a progress height from one line of subprocess
// output. The coupling to any particular tool's log format lives behind
// this interface so it can be swapped per stage kind.
type ProgressMatcher interface {
	Match(line string) (int64, bool)
}

// RegexpMatcher matches lines against a pattern whose first capture
// group is the height.
type RegexpMatcher struct {
	re *regexp.Regexp
}

// NewRegexpMatcher compiles a matcher. The expression must contain at
// least one capture group.
func NewRegexpMatcher(expr string) (*RegexpMatcher, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &RegexpMatcher{re: re}, nil
}

// MustMatcher is NewRegexpMatcher for patterns known at compile time.
func MustMatcher(expr string) *RegexpMatcher {
	m, err := NewRegexpMatcher(expr)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *RegexpMatcher) Match(line string) (int64, bool) {
	sub := m.re.FindStringSubmatch(line)
	if len(sub) < 2 {
		return 0, false
	}
	h, err := strconv.ParseInt(sub[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return h, true
}

// UpdateTipMatcher matches the node's block-connection log lines, e.g.
// "UpdateTip: new best=0000... height=650000 version=0x20000000 ...".
var UpdateTipMatcher = MustMatcher(`UpdateTip:.* height=(\d+)`)
