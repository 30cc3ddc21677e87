// Package logger builds the zap logger used across the outbox.
//
// "dev" writes colored console output, "prod" writes JSON. Either can also
// write JSON to a rotated file. Components take a *zap.Logger explicitly;
// the singleton and the context helpers are for the CLI entry points.
//
// Initialization (once, in main):
//
//	logger.Init(logger.Config{Env: cfg.Log.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
// With a context:
//
//	log := logger.From(ctx)
//	log.Info("drain complete", logger.Trigger("online"))
package logger
