package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	sentryslog "github.com/getsentry/sentry-go/slog"
	"github.com/lmittmann/tint"
)

type Options struct {
	Level slog.Level
	// DebugLogPath, when set, additionally writes every record at debug level to that file.
	DebugLogPath string
	// Sentry forwards warnings and errors to the initialized Sentry client.
	Sentry bool
}

// New builds the process logger. The returned func closes the debug log file, if any.
func New(ctx context.Context, out io.Writer, opts Options) (*slog.Logger, func() error, error) {
	handlers := []slog.Handler{
		tint.NewHandler(out, &tint.Options{
			Level: opts.Level,
		}),
	}
	closer := func() error { return nil }

	if opts.DebugLogPath != "" {
		fileWriter, err := os.OpenFile(opts.DebugLogPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(fileWriter, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		closer = fileWriter.Close
	}
	if opts.Sentry {
		handlers = append(handlers, sentryslog.Option{
			EventLevel: []slog.Level{slog.LevelWarn, slog.LevelError},
		}.NewSentryHandler(ctx))
	}
	return slog.New(slog.NewMultiHandler(handlers...)), closer, nil
}
