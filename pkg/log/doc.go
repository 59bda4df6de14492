/*
Package log provides structured logging for Casparian Flow using zerolog.

The package wraps zerolog with a process-global logger, configurable
level and output format, and helpers that attach the fields used across
the codebase: component, job_id, plugin, worker_id.

Initializing:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	scoutLog := log.WithComponent("scout")
	scoutLog.Info().Str("root", path).Msg("Scan started")

	jobLog := log.WithComponent("worker").
		With().Int64("job_id", job.ID).Str("plugin", job.PluginName).Logger()
	jobLog.Error().Err(err).Msg("Job failed")

JSON output is intended for production; the console writer is the
development default. Levels below the configured threshold compile down
to no-ops inside zerolog, so debug statements on hot paths cost nothing
when disabled.
*/
package log
