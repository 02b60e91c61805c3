package server

import "log/slog"

// Hook receives fire-and-forget lifecycle notifications (connect, disconnect,
// snapshot). Emission never blocks message handling and failures are logged,
// not propagated.
type Hook interface {
	Emit(event string, fields map[string]any) error
}

// NopHook discards all events.
type NopHook struct{}

func (NopHook) Emit(string, map[string]any) error { return nil }

// LogHook writes events to the server log.
type LogHook struct {
	Logger *slog.Logger
}

func (h LogHook) Emit(event string, fields map[string]any) error {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	h.Logger.With(attrs...).Info("event", slog.String("name", event))
	return nil
}

// emit dispatches a hook notification in the background.
func (s *Server) emit(event string, fields map[string]any) {
	if s.hooks == nil {
		return
	}
	go func() {
		if err := s.hooks.Emit(event, fields); err != nil {
			s.logger.Warn("event hook failed", slog.String("event", event), slog.Any("error", err))
		}
	}()
}
