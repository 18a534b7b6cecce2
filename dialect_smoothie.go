package gocnc

import (
	"regexp"
	"strings"
)

var smoothieBanner = regexp.MustCompile(`^(Build version:|Smoothie)`)

// Smoothie is the version-terminated dialect. Response text accumulates
// until the firmware prints its build banner, which acknowledges the
// command. One command is in flight at a time.
type Smoothie struct{}

var (
	_ Dialect      = (*Smoothie)(nil)
	_ StatusPoller = (*Smoothie)(nil)
	_ Pauser       = (*Smoothie)(nil)
	_ Resetter     = (*Smoothie)(nil)
)

func init() {
	if err := RegisterDialect(&DialectInfo{
		Name:        "Smoothie",
		Description: "Smoothieware version-terminated, single command window",
		New:         func() Dialect { return NewSmoothie() },
	}); err != nil {
		panic(err)
	}
}

func NewSmoothie() *Smoothie {
	return &Smoothie{}
}

func (*Smoothie) Name() string { return "Smoothie" }

func (*Smoothie) FlowControl() FlowControl {
	return FlowControl{Mode: CommandCounting, Limit: 1}
}

func (*Smoothie) Encode(text string) string { return text }

func (*Smoothie) ParseLine(prev *ControllerStatus, line string) (LineKind, *ControllerStatus, error) {
	if strings.HasPrefix(line, "<") {
		stat, err := ParseGRBLStatus(prev, line)
		if err != nil {
			return LineStatus, nil, err
		}
		return LineStatus, stat, nil
	}
	return LineResponse, nil, nil
}

func (*Smoothie) Evaluate(_ *Command, responses []string) Verdict {
	if len(responses) == 0 {
		return VerdictPending
	}
	last := responses[len(responses)-1]
	switch {
	case smoothieBanner.MatchString(last):
		return VerdictOK
	case strings.HasPrefix(last, "error"), strings.HasPrefix(last, "!!"):
		return VerdictError
	}
	return VerdictPending
}

func (*Smoothie) StatusQuery() []byte { return []byte{'?'} }
func (*Smoothie) FeedHold() []byte    { return []byte{'!'} }
func (*Smoothie) CycleStart() []byte  { return []byte{'~'} }
func (*Smoothie) SoftReset() []byte   { return []byte{0x18} }
