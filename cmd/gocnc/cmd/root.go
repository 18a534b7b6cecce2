package cmd

import (
	"context"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "gocnc",
	Short:        "stream G-code to GRBL, g2core and Smoothieware controllers",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		var err error
		if cfg, err = loadConfig(cmd); err != nil {
			return err
		}
		if cfg.Debug {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// cfg is resolved once per invocation, before the subcommand runs.
var cfg = defaultConfig()

const (
	flagPort       = "port"
	flagBaudrate   = "baudrate"
	flagDialect    = "dialect"
	flagConnection = "connection"
	flagBuffer     = "buffer"
	flagDebug      = "debug"
	flagProfile    = "profile"
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagPort, "p", "*", "com-port, * = select from available")
	pf.IntP(flagBaudrate, "b", 115200, "baudrate")
	pf.StringP(flagDialect, "D", "GRBL", "controller firmware dialect")
	pf.StringP(flagConnection, "c", "Serial", "what connection to use")
	pf.Int(flagBuffer, 0, "controller buffer size, 0 = dialect default, -1 = unlimited")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.String(flagProfile, "", "machine profile (json5)")
}
