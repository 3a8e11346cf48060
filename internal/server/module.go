package server

import (
	"context"

	"go.uber.org/fx"
)

// Module serves the "handlers" group on the configured address.
func Module(config HttpConfig) fx.Option {
	return fx.Module("server",
		fx.Supply(config),
		fx.Provide(NewHttpServer),
		fx.Invoke(registerLifecycle),
	)
}

// registerLifecycle binds the listener on start and serves in the
// background until stop.
func registerLifecycle(lc fx.Lifecycle, server *HttpServer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Listen(ctx); err != nil {
				return err
			}
			go server.Serve()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
