// Command dynsafety runs and inspects the dynamic trajectory safety
// supervisor.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/config"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety"
)

type rootOptions struct {
	configPath string
	verbose    bool
	trace      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "dynsafety",
		Short:         "Dynamic trajectory safety supervisor",
		Long:          `dynsafety scales robot motion down as predicted collisions get closer, stops it at the last moment and replans around obstacles when it can.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			errOut := cmd.ErrOrStderr()
			w := safety.LogWriters{Ops: errOut}
			if opts.verbose {
				w.Diag = errOut
			}
			if opts.trace {
				w.Trace = errOut
			}
			safety.SetLogWriters(w)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Safety config file (.json, .yaml, .yml); empty uses built-in defaults")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log diagnostics to stderr")
	cmd.PersistentFlags().BoolVar(&opts.trace, "trace", false, "Log per-tick telemetry to stderr")

	cmd.AddCommand(
		newValidateCmd(opts),
		newSimulateCmd(opts),
		newReportCmd(),
		newServeCmd(),
		newStreamCmd(),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) loadConfig() (*config.SafetyConfig, error) {
	if o.configPath == "" {
		return config.EmptySafetyConfig(), nil
	}
	return config.LoadSafetyConfig(o.configPath)
}

// printer adapts w to the logf signature used by zone.Options.Print.
func printer(w io.Writer) func(format string, args ...interface{}) {
	return func(format string, args ...interface{}) {
		fmt.Fprintf(w, format+"\n", args...)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
