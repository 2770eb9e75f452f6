package main

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"calarm/internal/alarm"
	appLog "calarm/internal/log"
	"calarm/internal/metrics"
	"calarm/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alarm daemon and HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	appLog.Info("calarm starting", "version", version)
	a, err := loadApp(ctx, true)
	if err != nil {
		return err
	}
	cfg := a.cfg

	var m *metrics.Metrics
	sched := alarm.New(a.store, alarm.ExecActions{
		SoundCommand:  cfg.Alarm.SoundCommand,
		NotifyCommand: cfg.Alarm.NotifyCommand,
	}, alarm.Options{
		StatePath: cfg.Path(cfg.Alarm.StateFile),
		Horizon:   cfg.Alarm.Horizon,
		OnFire:    func(p alarm.Pending) { m.AlarmFired(p) },
	})
	m = metrics.New(a.store, sched)

	if err := sched.Build(cfg.Alarm.RebuildFromToday); err != nil {
		return err
	}

	server := web.NewServer(cfg, a.loc, a.finder, sched, m.Handler())
	a.store.OnReload(func() {
		m.Reloaded()
		server.Invalidate()
		if err := sched.Build(false); err != nil {
			appLog.Error("alarm rebuild after reload failed", err)
		}
	})

	c := cron.New(cron.WithLocation(a.loc))
	if _, err := c.AddFunc(cfg.Alarm.TickCron, func() { tick(ctx, a, sched) }); err != nil {
		return err
	}
	if _, err := c.AddFunc(cfg.Alarm.RebuildCron, func() {
		if err := sched.Build(false); err != nil {
			appLog.Error("scheduled alarm rebuild failed", err)
		}
		server.Invalidate()
	}); err != nil {
		return err
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	// Fire anything already due (late persistent alarms) right away.
	tick(ctx, a, sched)

	if cfg.Listen != "" {
		go func() {
			if err := server.Serve(ctx); err != nil {
				appLog.Error("HTTP server stopped", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	appLog.Info("calarm exiting")
	return nil
}

// tick runs change detection, then fires due alarms.
func tick(ctx context.Context, a *app, sched *alarm.Scheduler) {
	if _, err := a.store.CheckExternalChanges(ctx); err != nil {
		appLog.Error("external change check failed", err)
	}
	sched.Tick(ctx)
}
