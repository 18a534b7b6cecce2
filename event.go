package gocnc

import "fmt"

type EventType int

func (et EventType) String() string {
	switch et {
	case EventCommandSent:
		return "COMMAND_SENT"
	case EventCommandSkipped:
		return "COMMAND_SKIPPED"
	case EventCommandComplete:
		return "COMMAND_COMPLETE"
	case EventPausedOnError:
		return "PAUSED_ON_ERROR"
	case EventStatus:
		return "STATUS"
	case EventStateChanged:
		return "STATE_CHANGED"
	case EventConsoleMessage:
		return "CONSOLE_MESSAGE"
	case EventControllerReset:
		return "CONTROLLER_RESET"
	default:
		return "UNKNOWN"
	}
}

const (
	EventCommandSent EventType = iota
	EventCommandSkipped
	EventCommandComplete
	EventPausedOnError
	EventStatus
	EventStateChanged
	EventConsoleMessage
	EventControllerReset
)

// Event is produced by the Communicator at the moment something happens and
// is never modified afterwards.
type Event struct {
	Type    EventType
	Command *Command
	Status  *ControllerStatus
	State   State
	Message string
}

func (e Event) String() string {
	switch {
	case e.Command != nil:
		return fmt.Sprintf("[%s] %s", e.Type, e.Command)
	case e.Status != nil:
		return fmt.Sprintf("[%s] %s", e.Type, e.Status.State)
	case e.Type == EventStateChanged:
		return fmt.Sprintf("[%s] %s", e.Type, e.State)
	default:
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
}

// Listener receives Communicator events. Each event type maps to exactly
// one method.
type Listener interface {
	CommandSent(*Command)
	CommandSkipped(*Command)
	CommandComplete(*Command)
	PausedOnError(*Command)
	StatusChanged(*ControllerStatus)
	StateChanged(State)
	ConsoleMessage(string)
	ControllerReset(string)
}

// ListenerFuncs adapts a set of optional callbacks to Listener. Register it
// by pointer so it can be removed again.
type ListenerFuncs struct {
	OnCommandSent     func(*Command)
	OnCommandSkipped  func(*Command)
	OnCommandComplete func(*Command)
	OnPausedOnError   func(*Command)
	OnStatusChanged   func(*ControllerStatus)
	OnStateChanged    func(State)
	OnConsoleMessage  func(string)
	OnControllerReset func(string)
}

var _ Listener = (*ListenerFuncs)(nil)

func (l *ListenerFuncs) CommandSent(c *Command) {
	if l.OnCommandSent != nil {
		l.OnCommandSent(c)
	}
}

func (l *ListenerFuncs) CommandSkipped(c *Command) {
	if l.OnCommandSkipped != nil {
		l.OnCommandSkipped(c)
	}
}

func (l *ListenerFuncs) CommandComplete(c *Command) {
	if l.OnCommandComplete != nil {
		l.OnCommandComplete(c)
	}
}

func (l *ListenerFuncs) PausedOnError(c *Command) {
	if l.OnPausedOnError != nil {
		l.OnPausedOnError(c)
	}
}

func (l *ListenerFuncs) StatusChanged(s *ControllerStatus) {
	if l.OnStatusChanged != nil {
		l.OnStatusChanged(s)
	}
}

func (l *ListenerFuncs) StateChanged(s State) {
	if l.OnStateChanged != nil {
		l.OnStateChanged(s)
	}
}

func (l *ListenerFuncs) ConsoleMessage(msg string) {
	if l.OnConsoleMessage != nil {
		l.OnConsoleMessage(msg)
	}
}

func (l *ListenerFuncs) ControllerReset(msg string) {
	if l.OnControllerReset != nil {
		l.OnControllerReset(msg)
	}
}

// deliver invokes the single Listener method matching the event type.
func deliver(l Listener, e Event) {
	switch e.Type {
	case EventCommandSent:
		l.CommandSent(e.Command)
	case EventCommandSkipped:
		l.CommandSkipped(e.Command)
	case EventCommandComplete:
		l.CommandComplete(e.Command)
	case EventPausedOnError:
		l.PausedOnError(e.Command)
	case EventStatus:
		l.StatusChanged(e.Status)
	case EventStateChanged:
		l.StateChanged(e.State)
	case EventConsoleMessage:
		l.ConsoleMessage(e.Message)
	case EventControllerReset:
		l.ControllerReset(e.Message)
	}
}
