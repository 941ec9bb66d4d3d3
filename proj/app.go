package proj

import (
	"context"
	"fmt"

	"github.com/northseadl/celerity"
)

// NewApp builds the project app from settings and registers its tasks.
// Options are applied after the settings-derived ones, so tests can inject a
// broker, backend or logger.
func NewApp(ctx context.Context, s *Settings, opts ...celerity.Option) (*celerity.App, *Tasks, error) {
	return newApp(ctx, s, nil, opts...)
}

// NewAppWithTaskOptions is NewApp with options for the task bodies.
func NewAppWithTaskOptions(ctx context.Context, s *Settings, taskOpts []Option, opts ...celerity.Option) (*celerity.App, *Tasks, error) {
	return newApp(ctx, s, taskOpts, opts...)
}

func newApp(ctx context.Context, s *Settings, taskOpts []Option, opts ...celerity.Option) (*celerity.App, *Tasks, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, nil, err
	}
	logger, err := celerity.NewZapLogger(s.Log.Level, s.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	app, err := celerity.New(ctx, cfg, append([]celerity.Option{celerity.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return app, Register(app, taskOpts...), nil
}
