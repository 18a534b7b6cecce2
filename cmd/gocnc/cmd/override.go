package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roffe/gocnc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(toggleCmd)
}

var speedOverrides = map[string]gocnc.OverrideType{
	"feed":    gocnc.FeedSpeed,
	"spindle": gocnc.SpindleSpeed,
	"rapid":   gocnc.RapidSpeed,
}

var toggles = map[string]gocnc.OverrideType{
	"spindle": gocnc.ToggleSpindle,
	"flood":   gocnc.ToggleFlood,
	"mist":    gocnc.ToggleMist,
}

var overrideCmd = &cobra.Command{
	Use:       "override <feed|spindle|rapid> <percent|+|-|reset>",
	Short:     "adjust a speed override",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"feed", "spindle", "rapid"},
	RunE: func(cmd *cobra.Command, args []string) error {
		t, ok := speedOverrides[args[0]]
		if !ok {
			return fmt.Errorf("unknown override %q", args[0])
		}
		ctx := cmd.Context()
		comm, err := initMachine(ctx)
		if err != nil {
			return err
		}
		defer comm.Close()

		om := gocnc.NewOverrideManager(comm, log.StandardLogger())
		if !om.IsAvailable() {
			return fmt.Errorf("%s: %w", comm.Dialect().Name(), gocnc.ErrUnsupported)
		}
		waitStatus(ctx, comm, time.Second)

		var target int
		switch args[1] {
		case "+":
			target, err = om.IncreaseSpeed(t)
		case "-":
			target, err = om.DecreaseSpeed(t)
		case "reset":
			target, err = om.ResetSpeed(t)
		default:
			v, perr := strconv.Atoi(args[1])
			if perr != nil {
				return fmt.Errorf("invalid percentage %q", args[1])
			}
			target, err = om.SetSpeedTarget(t, v)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s override %s (%d-%d%%)\n", t, green("%d%%", target), om.GetSpeedMin(t), om.GetSpeedMax(t))
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:       "toggle <spindle|flood|mist>",
	Short:     "toggle an accessory",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"spindle", "flood", "mist"},
	RunE: func(cmd *cobra.Command, args []string) error {
		t, ok := toggles[args[0]]
		if !ok {
			return fmt.Errorf("unknown accessory %q", args[0])
		}
		ctx := cmd.Context()
		comm, err := initMachine(ctx)
		if err != nil {
			return err
		}
		defer comm.Close()

		om := gocnc.NewOverrideManager(comm, log.StandardLogger())
		if !om.IsAvailable() {
			return fmt.Errorf("%s: %w", comm.Dialect().Name(), gocnc.ErrUnsupported)
		}
		waitStatus(ctx, comm, time.Second)
		before := om.IsToggled(t)
		om.Toggle(t)
		fmt.Printf("%s was %s\n", args[0], onOff(before))
		return nil
	},
}

func onOff(b bool) string {
	if b {
		return green("on")
	}
	return yellow("off")
}
