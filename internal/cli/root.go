// Package cli implements schedctl, the command line client of schedd.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagServer string
	flagDebug  bool

	logger *zap.Logger
	client *Client
)

// defaultServer returns the default server URL, checking SCHEDCTL_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("SCHEDCTL_SERVER"); s != "" {
		return s
	}
	return "http://127.0.0.1:8080"
}

// Debug reports whether --debug was given.
func Debug() bool { return flagDebug }

// NewRootCmd creates the root cobra command for schedctl.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "schedctl",
		Short: "schedctl inspects and drives a schedd thread scheduler",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = newLogger(flagDebug)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "schedd URL (or SCHEDCTL_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging and error chain dumps")

	root.AddCommand(
		newPsCmd(),
		newLoadavgCmd(),
		newStatsCmd(),
		newCreateCmd(),
		newKillCmd(),
		newDetachCmd(),
		newNiceCmd(),
		newSleepCmd(),
		newTraceCmd(),
	)

	return root
}

func newLogger(debug bool) *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.OutputPaths = []string{"stderr"}
	if !debug {
		logConfig.Level.SetLevel(zap.WarnLevel)
	}
	return zap.Must(logConfig.Build())
}
