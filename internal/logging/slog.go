package logging

import (
	"io"
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
)

// NewLogger returns the base structured logger.  format must be a valid
// [slogutil.Format].  verbose enables debug messages, and trace enables
// trace messages as well.
func NewLogger(out io.Writer, format string, timestamps, verbose, trace bool) (l *slog.Logger) {
	lvl := slog.LevelInfo
	switch {
	case trace:
		lvl = slogutil.LevelTrace
	case verbose:
		lvl = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Output:       out,
		Format:       slogutil.Format(format),
		AddTimestamp: timestamps,
		Level:        lvl,
	})
}
