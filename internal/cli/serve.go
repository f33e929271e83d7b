package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"releasegen/internal/output"
	"releasegen/internal/service"
)

func newServeCmd(g *globals) *cobra.Command {
	var (
		cronExpr string
		buildID  string
		watch    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run builds on a schedule or when inputs change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := newEnv(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			sched := g.cfg.Schedule
			if cronExpr != "" {
				sched.Cron = cronExpr
			}
			if buildID != "" {
				sched.BuildID = buildID
			}
			if watch && sched.WatchDir == "" && sched.BuildID != "" {
				sched.WatchDir = e.inputDir(sched.BuildID)
			}

			svc := service.NewBuildService(e.runner, e.builds, service.LogEmitter{Logger: output.Logger()}, output.Logger())
			if err := svc.Schedule(ctx, sched); err != nil {
				return err
			}
			output.Info("serving", "build", sched.BuildID, "cron", sched.Cron, "watch", sched.WatchDir)

			<-ctx.Done()
			output.Info("shutting down")
			svc.Stop()

			waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			svc.WaitRunning(waitCtx)
			return nil
		},
	}
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (overrides schedule.cron)")
	cmd.Flags().StringVar(&buildID, "build", "", "build id to run (overrides schedule.buildId)")
	cmd.Flags().BoolVar(&watch, "watch", false, "run the build when its input directory changes")
	return cmd
}
