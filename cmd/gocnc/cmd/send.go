package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/roffe/gocnc"
	"github.com/spf13/cobra"
)

const flagTimeout = "timeout"

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Duration(flagTimeout, 10*time.Second, "time to wait for each command")
}

var sendCmd = &cobra.Command{
	Use:   "send <command>...",
	Short: "send commands and print the responses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration(flagTimeout)
		comm, err := initMachine(cmd.Context())
		if err != nil {
			return err
		}
		defer comm.Close()
		comm.AddListener(console(false))

		for _, text := range args {
			c := comm.QueueString(text)
			if err := comm.StreamCommands(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			err := c.Wait(ctx)
			cancel()
			if err != nil {
				return err
			}
			printResponses(c)
			if c.IsError() {
				return &gocnc.CommandError{Command: c, Response: c.LastResponse()}
			}
		}
		return nil
	},
}

func printResponses(c *gocnc.Command) {
	for _, r := range c.Responses() {
		switch {
		case c.IsError() && r == c.LastResponse():
			fmt.Println(red("%s", r))
		default:
			fmt.Println(r)
		}
	}
}
