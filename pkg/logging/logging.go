package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rexliu/walletbridge/pkg/config"
)

// Logger wraps a slog.Logger tagged with a component name.
type Logger struct {
	*slog.Logger
	component string
	out       io.Writer
	level     *slog.LevelVar
}

// New returns a text logger on stderr at INFO until Configure is called.
func New(component string) *Logger {
	l := &Logger{component: component, out: os.Stderr, level: new(slog.LevelVar)}
	l.rebuild("text")
	return l
}

// Printf keeps printf-style call sites working; messages log at INFO.
func (l *Logger) Printf(format string, v ...any) {
	l.Info(fmt.Sprintf(format, v...))
}

// Configure applies logging settings from config.
func (l *Logger) Configure(cfg config.LoggingConfig) error {
	if l == nil || l.Logger == nil {
		return nil
	}
	if cfg.Level != "" {
		level, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		l.level.Set(level)
	}
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err != nil {
			return err
		}
		writer, err := newRollingFile(cfg.FilePath, cfg.FileMaxSize, cfg.FileBackups)
		if err != nil {
			return err
		}
		l.out = io.MultiWriter(os.Stderr, writer)
	}
	l.rebuild(cfg.Format)
	return nil
}

// With returns a child logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	child := *l
	child.Logger = l.Logger.With(args...)
	return &child
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR, case-insensitively, to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func (l *Logger) rebuild(format string) {
	opts := &slog.HandlerOptions{Level: l.level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(l.out, opts)
	} else {
		h = slog.NewTextHandler(l.out, opts)
	}
	l.Logger = slog.New(h).With("component", l.component)
}

// rollingFile rotates path to path.1 .. path.N once it would exceed max MB.
type rollingFile struct {
	mu      sync.Mutex
	path    string
	max     int
	backups int
	file    *os.File
}

func newRollingFile(path string, maxMB, backups int) (*rollingFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	if backups < 1 {
		backups = 1
	}
	return &rollingFile{path: path, max: maxMB, backups: backups, file: f}, nil
}

func (r *rollingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 {
		if info, err := r.file.Stat(); err == nil && info.Size()+int64(len(p)) > int64(r.max)*1024*1024 {
			if err := r.rotate(); err != nil {
				return 0, err
			}
		}
	}
	return r.file.Write(p)
}

func (r *rollingFile) rotate() error {
	r.file.Close()
	for i := r.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", r.path, i), fmt.Sprintf("%s.%d", r.path, i+1))
	}
	os.Rename(r.path, r.path+".1")
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	r.file = f
	return nil
}
