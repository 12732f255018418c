package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/gridshare/gridshare/internal/domain"
)

// SetupLogging builds the process logger: text output with full timestamps
// to stderr, also appended to cfg.File when set. Quiet raises the level to
// warn. The returned close function releases the log file.
func SetupLogging(cfg LoggingConfig) (*logrus.Logger, func() error, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level := logrus.InfoLevel
	if cfg.Level != "" {
		l, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("logging.level: %w: %w", err, domain.ErrInvalidConfig)
		}
		level = l
	}
	if cfg.Quiet && level > logrus.WarnLevel {
		level = logrus.WarnLevel
	}
	logger.SetLevel(level)

	closeFn := func() error { return nil }
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = f.Close
	}
	logger.SetOutput(out)

	return logger, closeFn, nil
}
