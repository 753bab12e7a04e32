package plugin

import (
	"log/slog"
	"time"
)

// audit opens an audit scope for one plugin action. The returned function
// closes it, logging the outcome with the plugin name, action, success flag
// and elapsed time.
func (m *Manager) audit(plugin, action string, attrs ...any) func(err error) {
	start := time.Now()
	return func(err error) {
		args := []any{
			slog.String("plugin", plugin),
			slog.String("action", action),
			slog.Bool("success", err == nil),
			slog.Duration("duration", time.Since(start)),
		}
		args = append(args, attrs...)
		if err != nil {
			args = append(args, slog.String("kind", Kind(err)), slog.Any("error", err))
			m.logger.Error("plugin-action", args...)
			return
		}
		m.logger.Info("plugin-action", args...)
	}
}
