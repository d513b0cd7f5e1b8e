package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/config"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/replan"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/sim"
	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/supervisor"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a safety config and print its zone table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			planner, err := plannerByName(cfg.GetPlanner(), nil)
			if err != nil {
				return err
			}
			sup := supervisor.New(supervisor.Deps{
				Checker:  sim.NewObstacleChecker(nil, 0),
				Consumer: sim.NewExecutor(1, nil),
				Planner:  planner,
			})
			if err := sup.Configure(cfg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "rate: %.1f Hz\n", sup.Rate())
			fmt.Fprintf(out, "replan: %v (%s)\n", cfg.GetAllowReplan(), cfg.GetReplanAnchor())
			sup.Zones().Print(printer(out))
			fmt.Fprintln(out, "config ok")
			return nil
		},
	}
}

// plannerByName returns the replanning backend named in the config.
func plannerByName(name string, offset []float64) (replan.Planner, error) {
	switch name {
	case "", "detour":
		return &sim.DetourPlanner{Offset: offset}, nil
	}
	return nil, fmt.Errorf("%w: unknown planner %q", config.ErrInvalidConfig, name)
}
