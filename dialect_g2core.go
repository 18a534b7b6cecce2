package gocnc

import (
	"encoding/json"
	"fmt"
	"strings"
)

const g2coreWindow = 4

// G2Core is the JSON-framed dialect spoken by TinyG and g2core. Commands are
// wrapped in a {"gc":...} envelope and every response carries a footer whose
// second element is the status code.
type G2Core struct{}

var (
	_ Dialect      = (*G2Core)(nil)
	_ StatusPoller = (*G2Core)(nil)
	_ Pauser       = (*G2Core)(nil)
	_ Resetter     = (*G2Core)(nil)
	_ Interrupter  = (*G2Core)(nil)
)

func init() {
	if err := RegisterDialect(&DialectInfo{
		Name:        "G2Core",
		Description: "TinyG/g2core JSON-framed, command counting",
		New:         func() Dialect { return NewG2Core() },
	}); err != nil {
		panic(err)
	}
}

func NewG2Core() *G2Core {
	return &G2Core{}
}

func (*G2Core) Name() string { return "G2Core" }

func (*G2Core) FlowControl() FlowControl {
	return FlowControl{Mode: CommandCounting, Limit: g2coreWindow}
}

type g2Envelope struct {
	GC string `json:"gc"`
}

func (*G2Core) Encode(text string) string {
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "$") {
		return text
	}
	b, err := json.Marshal(g2Envelope{GC: text})
	if err != nil {
		return text
	}
	return string(b)
}

func isJSONLine(line string) bool {
	return strings.HasPrefix(line, "{")
}

func (*G2Core) ParseLine(prev *ControllerStatus, line string) (LineKind, *ControllerStatus, error) {
	if !isJSONLine(line) {
		switch {
		case line == "ok", strings.HasPrefix(line, "err"):
			return LineResponse, nil, nil
		}
		return LineInfo, nil, nil
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return LineInfo, nil, err
	}
	if _, ok := msg["r"]; ok {
		return LineResponse, nil, nil
	}
	if sr, ok := msg["sr"]; ok {
		stat, err := parseG2Status(prev, sr)
		if err != nil {
			return LineStatus, nil, err
		}
		stat.Raw = line
		return LineStatus, stat, nil
	}
	// qr/qi/qo queue reports, er exception reports and anything else
	return LineInfo, nil, nil
}

func (*G2Core) Evaluate(cmd *Command, responses []string) Verdict {
	if len(responses) == 0 {
		return VerdictPending
	}
	last := responses[len(responses)-1]
	if !isJSONLine(last) {
		switch {
		case last == "ok":
			return VerdictOK
		case strings.HasPrefix(last, "err"):
			return VerdictError
		}
		return VerdictPending
	}

	var msg map[string]json.RawMessage
	if err := json.Unmarshal([]byte(last), &msg); err != nil {
		return VerdictPending
	}
	if _, ok := msg["r"]; !ok {
		return VerdictPending
	}
	// A response without a footer inherits the status of the newest
	// earlier response that had one. With no footer at all the r object
	// alone acknowledges the command.
	for i := len(responses) - 1; i >= 0; i-- {
		if code, ok := g2StatusCode(responses[i]); ok {
			if code == 0 {
				return VerdictOK
			}
			return VerdictError
		}
	}
	return VerdictOK
}

// g2StatusCode extracts the status code from a top-level footer or from one
// nested inside the "r" object.
func g2StatusCode(line string) (int, bool) {
	if !isJSONLine(line) {
		return 0, false
	}
	var msg struct {
		R json.RawMessage `json:"r"`
		F []float64       `json:"f"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return 0, false
	}
	footer := msg.F
	if len(footer) == 0 && len(msg.R) > 0 {
		var inner struct {
			F []float64 `json:"f"`
		}
		if err := json.Unmarshal(msg.R, &inner); err == nil {
			footer = inner.F
		}
	}
	if len(footer) < 2 {
		return 0, false
	}
	return int(footer[1]), true
}

var g2StateNames = map[int]string{
	0:  "Init",
	1:  "Idle",
	2:  "Alarm",
	3:  "Idle",
	4:  "Idle",
	5:  "Run",
	6:  "Hold",
	7:  "Run",
	8:  "Run",
	9:  "Home",
	10: "Jog",
	11: "Door",
	12: "Alarm",
	13: "Alarm",
}

type g2StatusReport struct {
	Stat *int     `json:"stat"`
	PosX *float64 `json:"posx"`
	PosY *float64 `json:"posy"`
	PosZ *float64 `json:"posz"`
	MpoX *float64 `json:"mpox"`
	MpoY *float64 `json:"mpoy"`
	MpoZ *float64 `json:"mpoz"`
	Feed *float64 `json:"feed"`
	Vel  *float64 `json:"vel"`
	Sps  *float64 `json:"sps"`
	Mfo  *float64 `json:"mfo"`
	Mto  *float64 `json:"mto"`
	Sso  *float64 `json:"sso"`
	Spe  *int     `json:"spe"`
	Spd  *int     `json:"spd"`
	Cof  *int     `json:"cof"`
	Com  *int     `json:"com"`
}

// parseG2Status merges a status report into a copy of prev. Status reports
// only carry the fields that changed.
func parseG2Status(prev *ControllerStatus, raw json.RawMessage) (*ControllerStatus, error) {
	var sr g2StatusReport
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("decode status report: %w", err)
	}
	stat := prev.clone()
	if sr.Stat != nil {
		name, ok := g2StateNames[*sr.Stat]
		if !ok {
			name = fmt.Sprintf("Unknown(%d)", *sr.Stat)
		}
		stat.State = name
	}
	setf(&stat.WPos.X, sr.PosX)
	setf(&stat.WPos.Y, sr.PosY)
	setf(&stat.WPos.Z, sr.PosZ)
	setf(&stat.MPos.X, sr.MpoX)
	setf(&stat.MPos.Y, sr.MpoY)
	setf(&stat.MPos.Z, sr.MpoZ)
	setf(&stat.Feed, sr.Feed)
	if sr.Feed == nil {
		setf(&stat.Feed, sr.Vel)
	}
	setf(&stat.Spindle, sr.Sps)
	setPercent(&stat.Overrides.Feed, sr.Mfo)
	setPercent(&stat.Overrides.Rapid, sr.Mto)
	setPercent(&stat.Overrides.Spindle, sr.Sso)
	if sr.Spe != nil {
		on := *sr.Spe != 0
		ccw := sr.Spd != nil && *sr.Spd == 1
		stat.Accessories.SpindleCW = on && !ccw
		stat.Accessories.SpindleCCW = on && ccw
	}
	if sr.Cof != nil {
		stat.Accessories.Flood = *sr.Cof != 0
	}
	if sr.Com != nil {
		stat.Accessories.Mist = *sr.Com != 0
	}
	return stat, nil
}

func setf(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setPercent(dst *int, factor *float64) {
	if factor != nil {
		*dst = int(*factor*100 + 0.5)
	}
}

func (*G2Core) StatusQuery() []byte   { return []byte{'?'} }
func (*G2Core) FeedHold() []byte      { return []byte{'!'} }
func (*G2Core) CycleStart() []byte    { return []byte{'~'} }
func (*G2Core) SoftReset() []byte     { return []byte{0x18} }
func (*G2Core) SoftInterrupt() []byte { return []byte{'!', '%'} }
