package main

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pitabwire/pipeline/internal/automation"
	"github.com/pitabwire/pipeline/internal/notify"
)

func sweepCmd() *cobra.Command {
	var (
		configPath string
		tenant     string
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one automation sweep against the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx, configPath)
			if err != nil {
				return err
			}
			defer rt.Close()

			var lockClient, notifyClient *redis.Client
			if rt.cfg.Automation.Lock.Driver == "redis" {
				if lockClient, err = rt.redis(rt.cfg.Automation.Lock.AddrEnv, rt.cfg.Automation.Lock.DB); err != nil {
					return err
				}
			}
			if rt.cfg.Notification.Driver == "redis" {
				if notifyClient, err = rt.redis(rt.cfg.Notification.Redis.AddrEnv, rt.cfg.Notification.Redis.DB); err != nil {
					return err
				}
			}

			lock, err := automation.NewLock(rt.cfg.Automation.Lock, lockClient)
			if err != nil {
				return err
			}
			notifier, err := notify.New(rt.cfg.Notification, notify.Deps{Logger: rt.logger, Redis: notifyClient})
			if err != nil {
				return err
			}
			scheduler := automation.NewScheduler(rt.engine, lock, notifier, rt.cfg.Automation, rt.logger, nil)

			var reports []automation.SweepReport
			if tenant != "" {
				r, err := scheduler.SweepTenant(ctx, tenant)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			} else {
				// SweepAll reports every tenant even when some fail.
				reports, err = scheduler.SweepAll(ctx)
			}

			if jsonOutput {
				if perr := printJSON(reports); perr != nil {
					return perr
				}
				return err
			}
			tw := newTable(table.Row{"Tenant", "Evaluated", "Flagged", "Transitioned", "Failed", "Stale", "Notify Failures", "Duration"})
			for _, r := range reports {
				if r.Skipped {
					tw.AppendRow(table.Row{r.TenantID, "locked elsewhere", "", "", "", "", ""})
					continue
				}
				tw.AppendRow(table.Row{r.TenantID, r.Evaluated, r.Flagged, r.Transitioned, r.Failed, r.Stale, r.NotifyFailures, r.Duration.String()})
			}
			tw.Render()
			return err
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the server configuration file")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (all tenants when empty)")
	return cmd
}
