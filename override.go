package gocnc

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type OverrideType int

const (
	FeedSpeed OverrideType = iota
	SpindleSpeed
	RapidSpeed
	ToggleSpindle
	ToggleFlood
	ToggleMist
)

func (t OverrideType) String() string {
	switch t {
	case FeedSpeed:
		return "feed"
	case SpindleSpeed:
		return "spindle"
	case RapidSpeed:
		return "rapid"
	case ToggleSpindle:
		return "spindle-toggle"
	case ToggleFlood:
		return "flood"
	case ToggleMist:
		return "mist"
	default:
		return "unknown"
	}
}

// OverrideBounds are percentages.
type OverrideBounds struct {
	Min     int
	Max     int
	Default int
	Step    int
}

// OverrideManager adjusts feed, spindle and rapid overrides and toggles
// accessories with realtime commands. These bypass the command queue.
type OverrideManager struct {
	comm *Communicator
	log  logrus.FieldLogger

	mu      sync.Mutex
	targets map[OverrideType]int
}

func NewOverrideManager(comm *Communicator, log logrus.FieldLogger) *OverrideManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OverrideManager{
		comm:    comm,
		log:     log.WithField("component", "overrides"),
		targets: make(map[OverrideType]int),
	}
}

func (om *OverrideManager) overrider() (Overrider, bool) {
	o, ok := om.comm.Dialect().(Overrider)
	return o, ok
}

// IsAvailable reports whether the dialect supports overrides at all.
func (om *OverrideManager) IsAvailable() bool {
	_, ok := om.overrider()
	return ok
}

func (om *OverrideManager) bounds(t OverrideType) (OverrideBounds, bool) {
	o, ok := om.overrider()
	if !ok {
		return OverrideBounds{}, false
	}
	return o.OverrideBounds(t)
}

func (om *OverrideManager) GetSpeedMin(t OverrideType) int {
	b, _ := om.bounds(t)
	return b.Min
}

func (om *OverrideManager) GetSpeedMax(t OverrideType) int {
	b, _ := om.bounds(t)
	return b.Max
}

func (om *OverrideManager) GetSpeedDefault(t OverrideType) int {
	b, _ := om.bounds(t)
	return b.Default
}

func (om *OverrideManager) GetSpeedStep(t OverrideType) int {
	b, _ := om.bounds(t)
	return b.Step
}

// GetSpeedTargetValue returns the last requested target, or the default
// when none was set.
func (om *OverrideManager) GetSpeedTargetValue(t OverrideType) int {
	om.mu.Lock()
	defer om.mu.Unlock()
	if v, ok := om.targets[t]; ok {
		return v
	}
	return om.GetSpeedDefault(t)
}

// SetSpeedTarget clamps v to the override's bounds and sends the realtime
// commands that move the controller there. It returns the clamped target.
func (om *OverrideManager) SetSpeedTarget(t OverrideType, v int) (int, error) {
	o, ok := om.overrider()
	if !ok {
		return 0, ErrUnsupported
	}
	b, ok := o.OverrideBounds(t)
	if !ok {
		return 0, fmt.Errorf("%w: %s override", ErrUnsupported, t)
	}
	target := max(b.Min, min(b.Max, v))

	om.mu.Lock()
	defer om.mu.Unlock()
	current := om.current(t, b)
	om.targets[t] = target
	for _, seq := range o.OverrideSequence(t, current, target) {
		if err := om.comm.SendRealtime(seq); err != nil {
			return target, err
		}
	}
	om.log.Debugf("%s override %d%% -> %d%%", t, current, target)
	return target, nil
}

// current prefers what the controller last reported over the local target.
func (om *OverrideManager) current(t OverrideType, b OverrideBounds) int {
	if stat := om.comm.Status(); stat != nil {
		var reported int
		switch t {
		case FeedSpeed:
			reported = stat.Overrides.Feed
		case SpindleSpeed:
			reported = stat.Overrides.Spindle
		case RapidSpeed:
			reported = stat.Overrides.Rapid
		}
		if reported > 0 {
			return reported
		}
	}
	if v, ok := om.targets[t]; ok {
		return v
	}
	return b.Default
}

func (om *OverrideManager) IncreaseSpeed(t OverrideType) (int, error) {
	return om.SetSpeedTarget(t, om.GetSpeedTargetValue(t)+om.GetSpeedStep(t))
}

func (om *OverrideManager) DecreaseSpeed(t OverrideType) (int, error) {
	return om.SetSpeedTarget(t, om.GetSpeedTargetValue(t)-om.GetSpeedStep(t))
}

func (om *OverrideManager) ResetSpeed(t OverrideType) (int, error) {
	return om.SetSpeedTarget(t, om.GetSpeedDefault(t))
}

// Toggle flips an accessory. Failures are logged only.
func (om *OverrideManager) Toggle(t OverrideType) {
	o, ok := om.overrider()
	if !ok {
		om.log.Warnf("%s toggle not supported by %s", t, om.comm.Dialect().Name())
		return
	}
	b, ok := o.ToggleCommand(t)
	if !ok {
		om.log.Warnf("%s is not a toggle", t)
		return
	}
	if err := om.comm.SendRealtime(b); err != nil {
		om.log.WithError(err).Errorf("failed to toggle %s", t)
	}
}

// IsToggled reads the accessory state from the latest controller status.
func (om *OverrideManager) IsToggled(t OverrideType) bool {
	stat := om.comm.Status()
	if stat == nil {
		return false
	}
	switch t {
	case ToggleSpindle:
		return stat.Accessories.SpindleCW || stat.Accessories.SpindleCCW
	case ToggleFlood:
		return stat.Accessories.Flood
	case ToggleMist:
		return stat.Accessories.Mist
	}
	return false
}
