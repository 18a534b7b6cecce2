package gocnc

import (
	"regexp"
	"strings"
)

// Grbl keeps 128 bytes of serial RX buffer, one of which is reserved.
const grblRXBuffer = 127

// GRBL realtime command bytes.
const (
	grblStatusQuery   = '?'
	grblFeedHold      = '!'
	grblCycleStart    = '~'
	grblSoftReset     = 0x18
	grblFeedReset     = 0x90
	grblFeedPlus10    = 0x91
	grblFeedMinus10   = 0x92
	grblFeedPlus1     = 0x93
	grblFeedMinus1    = 0x94
	grblRapidFull     = 0x95
	grblRapidHalf     = 0x96
	grblRapidQuarter  = 0x97
	grblSpindleReset  = 0x99
	grblSpindlePlus10 = 0x9A
	grblSpindleMin10  = 0x9B
	grblSpindlePlus1  = 0x9C
	grblSpindleMin1   = 0x9D
	grblSpindleStop   = 0x9E
	grblFloodToggle   = 0xA0
	grblMistToggle    = 0xA1
)

var grblBanner = regexp.MustCompile(`^Grbl\s+\d+\.\d+\w*`)

// GRBL is the plain-text dialect: every line is answered with "ok" or
// "error:N" and flow control counts characters.
type GRBL struct{}

var (
	_ Dialect        = (*GRBL)(nil)
	_ StatusPoller   = (*GRBL)(nil)
	_ Pauser         = (*GRBL)(nil)
	_ Resetter       = (*GRBL)(nil)
	_ Interrupter    = (*GRBL)(nil)
	_ SettingsDumper = (*GRBL)(nil)
	_ VersionQuerier = (*GRBL)(nil)
	_ Overrider      = (*GRBL)(nil)
)

func init() {
	if err := RegisterDialect(&DialectInfo{
		Name:        "GRBL",
		Description: "Grbl 0.9/1.1 plain-text, character counting",
		New:         func() Dialect { return NewGRBL() },
	}); err != nil {
		panic(err)
	}
}

func NewGRBL() *GRBL {
	return &GRBL{}
}

func (*GRBL) Name() string { return "GRBL" }

func (*GRBL) FlowControl() FlowControl {
	return FlowControl{Mode: CharacterCounting, Limit: grblRXBuffer}
}

func (*GRBL) Encode(text string) string { return text }

func (*GRBL) ParseLine(prev *ControllerStatus, line string) (LineKind, *ControllerStatus, error) {
	switch {
	case strings.HasPrefix(line, "<"):
		stat, err := ParseGRBLStatus(prev, line)
		if err != nil {
			return LineStatus, nil, err
		}
		return LineStatus, stat, nil
	case grblBanner.MatchString(line):
		return LineBanner, nil, nil
	case strings.HasPrefix(line, "ALARM"):
		return LineInfo, nil, nil
	case strings.HasPrefix(line, ">"):
		// startup block execution echo
		return LineInfo, nil, nil
	}
	return LineResponse, nil, nil
}

func (g *GRBL) Evaluate(cmd *Command, responses []string) Verdict {
	if len(responses) == 0 {
		return VerdictPending
	}
	last := responses[len(responses)-1]
	switch {
	case last == "ok":
		if settingsPending(g, cmd, responses) {
			return VerdictPending
		}
		return VerdictOK
	case strings.HasPrefix(last, "error"):
		return VerdictError
	case grblBanner.MatchString(last) && g.IsVersionQuery(cmd):
		return VerdictOK
	}
	return VerdictPending
}

func (*GRBL) IsVersionQuery(cmd *Command) bool {
	return cmd.EncodedText() == "$I"
}

func (*GRBL) StatusQuery() []byte   { return []byte{grblStatusQuery} }
func (*GRBL) FeedHold() []byte      { return []byte{grblFeedHold} }
func (*GRBL) CycleStart() []byte    { return []byte{grblCycleStart} }
func (*GRBL) SoftReset() []byte     { return []byte{grblSoftReset} }
func (*GRBL) SoftInterrupt() []byte { return []byte{grblFeedHold} }

func (*GRBL) SettingsCommand() string { return "$$" }

func (*GRBL) IsSettingLine(line string) bool {
	return strings.HasPrefix(line, "$") && strings.Contains(line, "=")
}

var grblOverrideBounds = map[OverrideType]OverrideBounds{
	FeedSpeed:    {Min: 10, Max: 200, Default: 100, Step: 10},
	SpindleSpeed: {Min: 10, Max: 200, Default: 100, Step: 10},
	RapidSpeed:   {Min: 25, Max: 100, Default: 100, Step: 25},
}

func (*GRBL) OverrideBounds(t OverrideType) (OverrideBounds, bool) {
	b, ok := grblOverrideBounds[t]
	return b, ok
}

func (*GRBL) OverrideSequence(t OverrideType, current, target int) [][]byte {
	switch t {
	case FeedSpeed:
		return stepSequence(current, target, grblFeedReset, grblFeedPlus10, grblFeedMinus10, grblFeedPlus1, grblFeedMinus1)
	case SpindleSpeed:
		return stepSequence(current, target, grblSpindleReset, grblSpindlePlus10, grblSpindleMin10, grblSpindlePlus1, grblSpindleMin1)
	case RapidSpeed:
		switch {
		case target <= 25:
			return [][]byte{{grblRapidQuarter}}
		case target <= 50:
			return [][]byte{{grblRapidHalf}}
		default:
			return [][]byte{{grblRapidFull}}
		}
	}
	return nil
}

// stepSequence moves from current to target with the coarse and fine
// increments, starting from the reset byte when that is closer.
func stepSequence(current, target int, reset, plus10, minus10, plus1, minus1 byte) [][]byte {
	var out [][]byte
	if target == 100 {
		return [][]byte{{reset}}
	}
	if abs(target-100) < abs(target-current) {
		out = append(out, []byte{reset})
		current = 100
	}
	diff := target - current
	for diff >= 10 {
		out = append(out, []byte{plus10})
		diff -= 10
	}
	for diff <= -10 {
		out = append(out, []byte{minus10})
		diff += 10
	}
	for diff > 0 {
		out = append(out, []byte{plus1})
		diff--
	}
	for diff < 0 {
		out = append(out, []byte{minus1})
		diff++
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func (*GRBL) ToggleCommand(t OverrideType) ([]byte, bool) {
	switch t {
	case ToggleSpindle:
		return []byte{grblSpindleStop}, true
	case ToggleFlood:
		return []byte{grblFloodToggle}, true
	case ToggleMist:
		return []byte{grblMistToggle}, true
	}
	return nil, false
}
