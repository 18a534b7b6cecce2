package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/roffe/gocnc"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var (
	blue   = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
	yellow = color.New(color.FgYellow).SprintfFunc()
)

// initMachine connects to the controller described by cfg.
func initMachine(ctx context.Context, opts ...gocnc.Opt) (*gocnc.Communicator, error) {
	dialect, err := gocnc.NewDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	conn, err := gocnc.NewConnection(cfg.Connection, &gocnc.ConnectionConfig{
		Debug:    cfg.Debug,
		Logger:   log.StandardLogger(),
		AckDelay: cfg.AckDelay(),
	})
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if requiresSerialPort(conn.Name()) && port == "*" {
		if port, err = selectPort(); err != nil {
			return nil, err
		}
	}

	opts = append([]gocnc.Opt{
		gocnc.WithLogger(log.StandardLogger()),
		gocnc.WithBufferSize(cfg.Buffer),
		gocnc.WithStatusPollInterval(cfg.StatusPollInterval()),
	}, opts...)
	comm, err := gocnc.NewCommunicator(conn, dialect, opts...)
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := comm.Connect(openCtx, port, cfg.Baudrate); err != nil {
		comm.Close()
		return nil, err
	}
	log.Debugf("%s over %s %s, flow control %s", dialect.Name(), conn.Name(), port, comm.FlowControl())
	return comm, nil
}

func requiresSerialPort(connection string) bool {
	for _, info := range gocnc.ListConnections() {
		if info.Name == connection {
			return info.RequiresSerialPort
		}
	}
	return false
}

func selectPort() (string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return "", err
	}
	switch len(ports) {
	case 0:
		return "", gocnc.ErrPortUnavailable
	case 1:
		return ports[0], nil
	}
	prompt := promptui.Select{
		Label: "Select port",
		Items: ports,
	}
	_, port, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed %v", err)
	}
	return port, nil
}

// waitStatus gives the status poller a chance to report before overrides
// are computed.
func waitStatus(ctx context.Context, comm *gocnc.Communicator, timeout time.Duration) *gocnc.ControllerStatus {
	if st := comm.Status(); st != nil {
		return st
	}
	got := make(chan *gocnc.ControllerStatus, 1)
	l := &gocnc.ListenerFuncs{OnStatusChanged: func(s *gocnc.ControllerStatus) {
		select {
		case got <- s:
		default:
		}
	}}
	comm.AddListener(l)
	defer comm.RemoveListener(l)

	if poller, ok := comm.Dialect().(gocnc.StatusPoller); ok {
		if err := comm.SendRealtime(poller.StatusQuery()); err != nil {
			log.WithError(err).Debug("status query")
		}
	}
	select {
	case st := <-got:
		return st
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	return nil
}

// console prints controller chatter and command failures.
func console(verbose bool) *gocnc.ListenerFuncs {
	return &gocnc.ListenerFuncs{
		OnConsoleMessage: func(msg string) {
			fmt.Println(blue("%s", msg))
		},
		OnPausedOnError: func(c *gocnc.Command) {
			fmt.Println(red("line %d: %s -> %s", c.LineNumber(), c.EncodedText(), c.LastResponse()))
		},
		OnControllerReset: func(msg string) {
			fmt.Println(yellow("controller reset: %s", msg))
		},
		OnCommandComplete: func(c *gocnc.Command) {
			if verbose {
				fmt.Println(green("%s -> %s", c.EncodedText(), strings.Join(c.Responses(), " | ")))
			}
		},
		OnStateChanged: func(s gocnc.State) {
			log.Debugf("state %s", s)
		},
	}
}

func resumeOrCancel(reason string) (bool, error) {
	prompt := promptui.Select{
		Label:    reason,
		HideHelp: true,
		Items:    []string{"Resume", "Cancel"},
	}
	_, result, err := prompt.Run()
	if err != nil {
		return false, fmt.Errorf("prompt failed %v", err)
	}
	return result == "Resume", nil
}

// abortJob cancels the queue and resets the controller so nothing is left
// in flight.
func abortJob(comm *gocnc.Communicator) {
	if err := comm.CancelSend(); err != nil {
		log.WithError(err).Warn("cancel")
	}
	if err := comm.SoftReset(); err != nil && !errors.Is(err, gocnc.ErrUnsupported) {
		log.WithError(err).Warn("soft reset")
	}
}
