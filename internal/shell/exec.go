package shell

import (
	"context"

	"go.uber.org/fx"
)

// Exec starts the application, runs fn with a value of the application
// and stops the application once fn returns.
func Exec[T any](
	ctx context.Context,
	s *Shell,
	fn func(context.Context, T) error,
	options ...fx.Option,
) error {
	defer s.log.Sync()

	appCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var target T

	options = append(options, fx.Populate(&target))

	fxApp := s.createFxApp(appCtx, options...)
	s.fxApp = fxApp

	startCtx, cancelStart := context.WithTimeout(ctx, fxApp.StartTimeout())
	defer cancelStart()

	if err := fxApp.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(appCtx, target)

	stopCtx, cancelStop := context.WithTimeout(context.WithoutCancel(ctx), fxApp.StopTimeout())
	defer cancelStop()

	if err := fxApp.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}

	return runErr
}
