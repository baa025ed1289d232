package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level  string `mapstructure:"level"`
	Dir    string `mapstructure:"dir"`    // per-bot log files live here
	Pretty bool   `mapstructure:"pretty"` // console output instead of JSON
}

var (
	mu         sync.Mutex
	botFiles   = make(map[int64]*os.File)
	logDir     string
	baseWriter io.Writer = os.Stderr
)

// Setup configures the global zerolog logger. Output is JSON unless Pretty
// selects the console writer.
func Setup(cfg Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}

	mu.Lock()
	baseWriter = out
	logDir = cfg.Dir
	mu.Unlock()
	return nil
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ForBot returns a logger tagged with a component and bot id. When a log
// directory is configured the bot's entries are duplicated into
// <dir>/bot_<id>.log so the control plane can tail them.
func ForBot(component string, botID int64) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	if logDir == "" {
		return log.With().Str("component", component).Int64("bot_id", botID).Logger()
	}

	f, ok := botFiles[botID]
	if !ok {
		path := BotLogPath(logDir, botID)
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("bot log file unavailable")
			return log.With().Str("component", component).Int64("bot_id", botID).Logger()
		}
		botFiles[botID] = f
	}

	w := zerolog.MultiLevelWriter(baseWriter, f)
	return zerolog.New(w).With().Timestamp().
		Str("component", component).Int64("bot_id", botID).Logger()
}

// BotLogPath returns the log file path for a bot under dir.
func BotLogPath(dir string, botID int64) string {
	return filepath.Join(dir, fmt.Sprintf("bot_%d.log", botID))
}

// CloseBot releases the bot's log file, if any.
func CloseBot(botID int64) {
	mu.Lock()
	defer mu.Unlock()
	if f, ok := botFiles[botID]; ok {
		f.Close()
		delete(botFiles, botID)
	}
}

// TailFile returns up to n trailing lines of the file at path. Missing files
// return an empty slice rather than an error so callers can treat "no log
// yet" as an empty log.
func TailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
