package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quasi-robotics/easy-manipulation-deployment/internal/safety/visualiser"
)

func newStreamCmd() *cobra.Command {
	var addr, client string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Print debug states streamed by a running supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err := visualiser.Stream(ctx, addr, client, func(m visualiser.Message) error {
				switch m.Kind {
				case visualiser.KindTrajectory:
					fmt.Fprintf(out, "trajectory %v: %d points, %.3fs, %d samples\n",
						m.Trajectory.JointNames, m.Trajectory.Points, m.Trajectory.Duration, len(m.Trajectory.Samples))
				case visualiser.KindState:
					s := m.State
					fmt.Fprintf(out, "%s t=%.3f collision=%.3f zone=%s scale=%.3f replan=%s\n",
						s.RunID, s.SchedulingTime, s.CollisionTime, s.Zone, s.Scale, s.Replan)
				}
				return nil
			})
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	host, _ := os.Hostname()
	cmd.Flags().StringVar(&addr, "addr", visualiser.DefaultConfig().ListenAddr, "Visualiser gRPC address")
	cmd.Flags().StringVar(&client, "client", "dynsafety-stream@"+host, "Client name sent to the server")
	return cmd
}
