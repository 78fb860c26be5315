package diag

import "log/slog"

// LogHandler writes every event to logger, at warn level for errors and
// info otherwise. A nil logger means whatever slog.Default is at the time
// of the event, so the handler follows logging reloads.
func LogHandler(logger *slog.Logger) Handler {
	return func(e Event) {
		logger := logger
		if logger == nil {
			logger = slog.Default()
		}
		attrs := []any{"kind", string(e.Kind), "component", e.Component}
		if e.Count > 1 {
			attrs = append(attrs, "count", e.Count)
		}
		if e.Err != nil {
			logger.Warn("pipeline diagnostic", append(attrs, "error", e.Err)...)
			return
		}
		logger.Info("pipeline diagnostic", attrs...)
	}
}
