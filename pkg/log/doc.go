// Package log is the structured logger handed to every worker component.
//
// Components receive a Logger explicitly and tag it once with
// WithComponent; per-call context goes in Fields built with Str, Int, Dur,
// JobID and Err:
//
//	l := log.NewLogger(log.WithFormatter(&log.TextFormatter{}))
//	l = l.WithComponent("consumer")
//	l.Info("job dispatched", log.JobID("job-42"), log.Int("retry_count", 0))
//
// Entries pass through a log/slog handler, so BaseLogger.Slog can be given to
// libraries that want a *slog.Logger. ApplyConfig builds a logger from the
// worker's log settings: JSON or text, stdout, stderr, a file or nowhere,
// with optional key redaction and per-message sampling. RedirectStdLog
// captures output written with the standard library's global logger.
package log
