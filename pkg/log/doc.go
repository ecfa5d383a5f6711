/*
Package log provides structured logging for yascheduler using zerolog.

It wraps zerolog with a package-level global Logger, component-tagged
child loggers, and a small set of level-filtered helper functions, so
every other package logs the same way without wiring a logger through
every constructor.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Int64("task_id", 42).Msg("task allocated")

	log.Logger.Error().Err(err).Str("node", "203.0.113.5").Msg("ssh connect failed")

Context loggers (WithComponent, WithNode, WithTask) exist purely to avoid
repeating the same Str/Int64 calls at every call site; they return a
zerolog.Logger value, not a pointer, so callers are free to attach further
fields before using it.

Console output (the non-JSON branch) is meant for interactive use — a
developer running the daemon by hand, or one of the CLI tools; JSON output
is what the daemon uses in production so logs can be shipped to whatever
aggregator an operator already has.
*/
package log
