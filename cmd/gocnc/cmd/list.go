package cmd

import (
	"fmt"

	"github.com/roffe/gocnc"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.AddCommand(listDialectsCmd, listConnectionsCmd, listPortsCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list dialects, connections or serial ports",
}

var listDialectsCmd = &cobra.Command{
	Use:   "dialects",
	Short: "list controller dialects",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, d := range gocnc.ListDialects() {
			fmt.Println(d.String())
		}
	},
}

var listConnectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "list connection types",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, c := range gocnc.ListConnections() {
			fmt.Println(c.String())
		}
	},
}

var listPortsCmd = &cobra.Command{
	Use:   "ports",
	Short: "list serial ports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
			return nil
		}
		for _, port := range ports {
			if port.IsUSB {
				fmt.Printf("%s  %s:%s %s\n", port.Name, port.VID, port.PID, port.SerialNumber)
				continue
			}
			fmt.Println(port.Name)
		}
		return nil
	},
}
