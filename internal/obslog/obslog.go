// Package obslog builds the supervisor's own structured logger: colored
// text to a terminal, plain text to a rotated file.
package obslog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName = "supervisor.log"
	maxSizeMB   = 10
	maxBackups  = 3
	maxAgeDays  = 7
)

// colorTextHandler wraps slog.TextHandler to prefix each record with an
// ANSI-colored level tag.
type colorTextHandler struct {
	*slog.TextHandler
}

func newColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *colorTextHandler {
	return &colorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *colorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch r.Level {
	case slog.LevelDebug:
		colorCode = "\033[36m"
	case slog.LevelInfo:
		colorCode = "\033[32m"
	case slog.LevelWarn:
		colorCode = "\033[33m"
	case slog.LevelError:
		colorCode = "\033[31m"
	default:
		colorCode = "\033[0m"
	}
	r.Message = colorCode + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

// New returns a logger that writes colored text to stderr when it's a
// terminal (plain text otherwise), and always writes plain text to a
// rotated operational log file under logDir.
func New(logDir string) *slog.Logger {
	var stderrHandler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		stderrHandler = newColorTextHandler(os.Stderr, nil)
	} else {
		stderrHandler = slog.NewTextHandler(os.Stderr, nil)
	}

	fileWriter := &lj.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
	}
	fileHandler := slog.NewTextHandler(fileWriter, nil)

	return slog.New(multiHandler{stderrHandler, fileHandler})
}

// multiHandler fans a record out to every handler in the list.
type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
