package main

import (
	"context"

	"github.com/northseadl/celerity/proj"
)

func runBeat(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("beat")
	reload := fs.Bool("reload", true, "re-read beat_schedule when the config file changes")
	_ = fs.Parse(args)

	s, err := loadSettings(*cfgPath)
	if err != nil {
		return err
	}
	app, _, err := openApp(ctx, s)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	beat, err := app.Beat()
	if err != nil {
		return err
	}
	if *reload {
		err := proj.Watch(ctx, *cfgPath, func(ns *proj.Settings) {
			if err := beat.Sync(ns.BeatEntries()); err != nil {
				app.Logger().Error(ctx, "reload beat schedule", "error", err)
				return
			}
			app.Logger().Info(ctx, "beat schedule reloaded", "entries", len(ns.BeatSchedule))
		}, func(err error) {
			app.Logger().Warn(ctx, "config change ignored", "error", err)
		})
		if err != nil {
			app.Logger().Warn(ctx, "config watch disabled", "error", err)
		}
	}
	return beat.Run(ctx)
}
