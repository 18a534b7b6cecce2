package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/roffe/gocnc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const flagRaw = "raw"

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.Flags().Bool(flagRaw, false, "print the lines as received")
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "dump the firmware settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool(flagRaw)
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		comm, err := initMachine(ctx)
		if err != nil {
			return err
		}
		defer comm.Close()

		lines, err := gocnc.NewSettingsQuery(comm).Fetch(ctx)
		if err != nil {
			if !errors.Is(err, gocnc.ErrSettingsIncomplete) {
				return err
			}
			log.Warn(err)
		}

		if raw {
			for _, l := range lines {
				fmt.Println(l)
			}
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tVALUE")
		for _, s := range gocnc.ParseSettings(lines) {
			fmt.Fprintf(w, "$%s\t%s\n", s.Key, s.Value)
		}
		if ferr := w.Flush(); ferr != nil {
			return ferr
		}
		return err
	},
}
