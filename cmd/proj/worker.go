package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/northseadl/celerity"
)

func runWorker(ctx context.Context, args []string) error {
	fs, cfgPath := newFlagSet("worker")
	queues := fs.String("Q", "", "comma separated queues to consume (default: task_default_queue)")
	concurrency := fs.Int("c", 0, "deliveries handled in parallel per queue (default: worker.concurrency)")
	hostname := fs.String("n", "", "node name (default: host@pid)")
	events := fs.Bool("E", false, "send task events")
	metricsAddr := fs.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9100")
	grace := fs.Duration("grace", 30*time.Second, "time to finish running tasks on shutdown")
	_ = fs.Parse(args)

	s, err := loadSettings(*cfgPath)
	if err != nil {
		return err
	}
	if *concurrency > 0 {
		s.Worker.Concurrency = *concurrency
	}
	if *events {
		s.Worker.SendTaskEvents = true
	}
	app, _, err := openApp(ctx, s, celerity.WithHostname(*hostname))
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.Logger().Error(ctx, "metrics server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	return app.Worker(celerity.WorkerOptions{Queues: splitList(*queues)}).Run(ctx, *grace)
}
