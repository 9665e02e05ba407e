// Package logging wires logrus for the gateway: a compact line formatter,
// optional rotating file output, and a ring buffer that feeds the admin
// log stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kirolink/kiro-gateway/internal/config"
)

const logFileName = "kiro-gateway.log"

var hookOnce sync.Once

// LogFormatter renders entries as "[2006-01-02 15:04:05] [level] message"
// with structured fields appended as sorted key=value pairs.
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(entry.Time.Format("2006-01-02 15:04:05"))
	b.WriteString("] [")
	fmt.Fprintf(&b, "%-5s", normalizeLevel(entry.Level.String()))
	b.WriteString("] ")
	b.WriteString(entry.Message)
	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
		}
	}
	b.WriteString("\n")
	return []byte(b.String()), nil
}

// Setup configures the process-wide logger from cfg: level, formatter, the
// admin ring buffer hook, and rotating file output when enabled.
func Setup(cfg *config.Config) error {
	if cfg != nil && cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetFormatter(&LogFormatter{})
	hookOnce.Do(func() { log.AddHook(Buffer) })

	out := io.Writer(os.Stdout)
	if cfg != nil && cfg.Logging.ToFile {
		if err := os.MkdirAll(cfg.Logging.Dir, 0o755); err != nil {
			return fmt.Errorf("create log dir %s: %w", cfg.Logging.Dir, err)
		}
		fileLogger := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logging.Dir, logFileName),
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   false,
		}
		out = io.MultiWriter(os.Stdout, fileLogger)
	}
	log.SetOutput(out)
	return nil
}

func normalizeLevel(level string) string {
	if level == "warning" {
		return "warn"
	}
	return level
}
