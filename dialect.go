package gocnc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Unlimited disables flow control when passed as a buffer size.
const Unlimited = -1

type FlowMode int

const (
	// CharacterCounting limits the sum of sent-but-unacknowledged bytes,
	// line terminators included.
	CharacterCounting FlowMode = iota
	// CommandCounting limits the number of sent-but-unacknowledged commands.
	CommandCounting
)

func (m FlowMode) String() string {
	switch m {
	case CharacterCounting:
		return "characters"
	case CommandCounting:
		return "commands"
	default:
		return "unknown"
	}
}

// FlowControl describes the controller's receive window. A Limit of zero or
// less means unlimited.
type FlowControl struct {
	Mode  FlowMode
	Limit int
}

func (fc FlowControl) String() string {
	if fc.Limit <= 0 {
		return fc.Mode.String() + ":unlimited"
	}
	return fmt.Sprintf("%s:%d", fc.Mode, fc.Limit)
}

type LineKind int

const (
	// LineResponse belongs to the oldest in-flight command.
	LineResponse LineKind = iota
	// LineStatus carries a controller status snapshot.
	LineStatus
	// LineInfo is informational and completes nothing.
	LineInfo
	// LineBanner is a controller welcome or version banner.
	LineBanner
)

func (k LineKind) String() string {
	switch k {
	case LineResponse:
		return "response"
	case LineStatus:
		return "status"
	case LineInfo:
		return "info"
	case LineBanner:
		return "banner"
	default:
		return "unknown"
	}
}

type Verdict int

const (
	VerdictPending Verdict = iota
	VerdictOK
	VerdictError
)

// Dialect is a firmware family's wire format. One dialect is chosen per
// connection and shared by every Command sent over it.
type Dialect interface {
	Name() string
	FlowControl() FlowControl
	// Encode turns normalized command text into protocol text, without the
	// line terminator.
	Encode(text string) string
	// ParseLine classifies an inbound line. prev is the latest known status
	// and may be nil; a LineStatus result returns the merged snapshot.
	// A non-nil error marks the line as a protocol error.
	ParseLine(prev *ControllerStatus, line string) (LineKind, *ControllerStatus, error)
	// Evaluate looks at every response received for cmd so far, the newest
	// last, and decides whether the command is finished.
	Evaluate(cmd *Command, responses []string) Verdict
}

// Optional dialect capabilities.

type StatusPoller interface {
	StatusQuery() []byte
}

type Pauser interface {
	FeedHold() []byte
	CycleStart() []byte
}

type Resetter interface {
	SoftReset() []byte
}

type Interrupter interface {
	SoftInterrupt() []byte
}

type SettingsDumper interface {
	SettingsCommand() string
	IsSettingLine(line string) bool
}

type VersionQuerier interface {
	IsVersionQuery(cmd *Command) bool
}

type Overrider interface {
	OverrideBounds(t OverrideType) (OverrideBounds, bool)
	// OverrideSequence returns the realtime commands that move an override
	// from its current value to target.
	OverrideSequence(t OverrideType, current, target int) [][]byte
	ToggleCommand(t OverrideType) ([]byte, bool)
}

type DialectInfo struct {
	Name        string
	Description string
	New         func() Dialect
}

func (d *DialectInfo) String() string {
	return fmt.Sprintf("%s | %s", d.Name, d.Description)
}

var (
	dialectMu  sync.RWMutex
	dialectMap = make(map[string]*DialectInfo)
)

func RegisterDialect(info *DialectInfo) error {
	dialectMu.Lock()
	defer dialectMu.Unlock()
	key := strings.ToLower(info.Name)
	if _, found := dialectMap[key]; found {
		return fmt.Errorf("dialect %s already registered", info.Name)
	}
	dialectMap[key] = info
	return nil
}

func NewDialect(name string) (Dialect, error) {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	if info, found := dialectMap[strings.ToLower(name)]; found {
		return info.New(), nil
	}
	return nil, fmt.Errorf("unknown dialect %q", name)
}

func ListDialectNames() []string {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	var out []string
	for _, info := range dialectMap {
		out = append(out, info.Name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListDialects() []DialectInfo {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	var out []DialectInfo
	for _, info := range dialectMap {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}

// settingsPending reports whether a settings dump command has not yet
// produced any setting line. Some firmwares echo an early ok before the dump.
func settingsPending(d SettingsDumper, cmd *Command, responses []string) bool {
	if cmd.EncodedText() != d.SettingsCommand() {
		return false
	}
	for _, r := range responses {
		if d.IsSettingLine(r) {
			return false
		}
	}
	return true
}
