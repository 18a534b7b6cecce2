package cmd

import (
	"fmt"
	"time"

	"github.com/roffe/gocnc"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(holdCmd)
	rootCmd.AddCommand(resumeCmd)
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "soft reset the controller",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		comm, err := initMachine(ctx)
		if err != nil {
			return err
		}
		defer comm.Close()

		banner := make(chan string, 1)
		comm.AddListener(&gocnc.ListenerFuncs{
			OnControllerReset: func(msg string) {
				select {
				case banner <- msg:
				default:
				}
			},
		})
		if err := comm.SoftReset(); err != nil {
			return err
		}
		select {
		case msg := <-banner:
			fmt.Println(green("%s", msg))
			return nil
		case <-time.After(5 * time.Second):
			return &gocnc.TimeoutError{Timeout: 5 * time.Second, Op: "reset"}
		case <-ctx.Done():
			return ctx.Err()
		}
	},
}

var holdCmd = &cobra.Command{
	Use:   "hold",
	Short: "feed hold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		comm, err := initMachine(cmd.Context())
		if err != nil {
			return err
		}
		defer comm.Close()
		return comm.FeedHold()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "cycle start",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		comm, err := initMachine(cmd.Context())
		if err != nil {
			return err
		}
		defer comm.Close()
		return comm.CycleStart()
	},
}
