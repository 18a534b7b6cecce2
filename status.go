package gocnc

import (
	"fmt"
	"strings"
)

type Position struct{ X, Y, Z float64 }

func (p Position) String() string {
	return fmt.Sprintf("X%.3f Y%.3f Z%.3f", p.X, p.Y, p.Z)
}

type Accessories struct {
	SpindleCW  bool
	SpindleCCW bool
	Flood      bool
	Mist       bool
}

type OverrideValues struct {
	Feed, Rapid, Spindle int
}

// ControllerStatus is a snapshot of what the controller last reported. The
// Communicator hands out copies; treat them as read-only.
type ControllerStatus struct {
	State string

	MPos, WPos, WCO Position

	Feed    float64
	Spindle float64

	Overrides   OverrideValues
	Accessories Accessories

	PlannerFree int
	RXFree      int

	Raw string
}

func (s *ControllerStatus) IsAlarm() bool { return strings.HasPrefix(s.State, "Alarm") }
func (s *ControllerStatus) IsIdle() bool  { return s.State == "Idle" }
func (s *ControllerStatus) IsHold() bool  { return strings.HasPrefix(s.State, "Hold") }

func (s *ControllerStatus) clone() *ControllerStatus {
	if s == nil {
		return &ControllerStatus{
			Overrides: OverrideValues{Feed: 100, Rapid: 100, Spindle: 100},
		}
	}
	c := *s
	return &c
}

func (s *ControllerStatus) String() string {
	return fmt.Sprintf("%s MPos[%s] WPos[%s] F%.0f S%.0f Ov:%d,%d,%d",
		s.State, s.MPos, s.WPos, s.Feed, s.Spindle,
		s.Overrides.Feed, s.Overrides.Rapid, s.Overrides.Spindle)
}

// ParseGRBLStatus merges a "<State|Field:...|...>" report into a copy of
// prev. Fields the report leaves out keep their previous value, except the
// accessory flags which GRBL only reports together with Ov.
func ParseGRBLStatus(prev *ControllerStatus, data string) (*ControllerStatus, error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "<") || !strings.HasSuffix(data, ">") {
		return nil, fmt.Errorf("not a status report: %q", data)
	}
	stat := prev.clone()
	stat.Raw = data

	data = strings.TrimSuffix(strings.TrimPrefix(data, "<"), ">")
	var parts []string
	if strings.Contains(data, "|") {
		parts = strings.Split(data, "|")
	} else {
		// GRBL 0.9 separates fields with commas inside the brackets.
		parts = splitLegacyStatus(data)
	}
	stat.State = parts[0]

	var useMPos, useWPos, sawOv, sawA bool
	for _, part := range parts[1:] {
		p := strings.SplitN(part, ":", 2)
		if len(p) != 2 {
			continue
		}
		var err error
		switch p[0] {
		case "MPos":
			useMPos = true
			err = scanPosition(p[1], &stat.MPos)
			if !useWPos {
				stat.WPos = sub(stat.MPos, stat.WCO)
			}
		case "WPos":
			useWPos = true
			err = scanPosition(p[1], &stat.WPos)
			if !useMPos {
				stat.MPos = add(stat.WPos, stat.WCO)
			}
		case "WCO":
			err = scanPosition(p[1], &stat.WCO)
			switch {
			case useMPos && useWPos:
			case useMPos:
				stat.WPos = sub(stat.MPos, stat.WCO)
			default:
				stat.MPos = add(stat.WPos, stat.WCO)
			}
		case "F":
			_, err = fmt.Sscanf(p[1], "%f", &stat.Feed)
		case "FS":
			_, err = fmt.Sscanf(p[1], "%f,%f", &stat.Feed, &stat.Spindle)
		case "Bf":
			_, err = fmt.Sscanf(p[1], "%d,%d", &stat.PlannerFree, &stat.RXFree)
		case "Ov":
			sawOv = true
			_, err = fmt.Sscanf(p[1], "%d,%d,%d", &stat.Overrides.Feed, &stat.Overrides.Rapid, &stat.Overrides.Spindle)
		case "A":
			sawA = true
			stat.Accessories = Accessories{
				SpindleCW:  strings.ContainsRune(p[1], 'S'),
				SpindleCCW: strings.ContainsRune(p[1], 'C'),
				Flood:      strings.ContainsRune(p[1], 'F'),
				Mist:       strings.ContainsRune(p[1], 'M'),
			}
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s '%s': %w", p[0], p[1], err)
		}
	}
	if sawOv && !sawA {
		stat.Accessories = Accessories{}
	}
	return stat, nil
}

// splitLegacyStatus turns "Idle,MPos:1,2,3,WPos:1,2,3" into pipe style parts.
func splitLegacyStatus(data string) []string {
	fields := strings.Split(data, ",")
	out := []string{fields[0]}
	for _, f := range fields[1:] {
		if strings.Contains(f, ":") || len(out) == 1 {
			out = append(out, f)
			continue
		}
		out[len(out)-1] += "," + f
	}
	return out
}

func scanPosition(s string, p *Position) error {
	_, err := fmt.Sscanf(s, "%f,%f,%f", &p.X, &p.Y, &p.Z)
	return err
}

func add(a, b Position) Position { return Position{a.X + b.X, a.Y + b.Y, a.Z + b.Z} }
func sub(a, b Position) Position { return Position{a.X - b.X, a.Y - b.Y, a.Z - b.Z} }
