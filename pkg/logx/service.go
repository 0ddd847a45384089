package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"freegamesbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig forwards log lines at or above MinLevel to an operator chat.
type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the log sinks and swaps them atomically on Apply.
type Service struct {
	mu  sync.Mutex
	cfg Config

	root atomic.Pointer[zerolog.Logger]
	file *os.File

	tg *telegramSink
}

// New builds the service, applies cfg and returns its root Logger.
// sender may be nil, which disables the operator-chat sink.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	setGlobals()
	s := &Service{tg: newTelegramSink(sender)}
	boot := zerolog.New(consoleWriter(Stdout())).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetTelegramTarget selects the operator chat; 0 disables forwarding.
func (s *Service) SetTelegramTarget(chat transport.ChatID) { s.tg.setTarget(chat) }

func (s *Service) Close() error {
	s.tg.stop()

	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// Apply rebuilds the writer set. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(Stdout()))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./freegamesbot.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(Stderr(), "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}

	s.tg.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		s.tg.start()
		writers = append(writers, s.tg)
		if !s.tg.hasTarget() {
			fmt.Fprintln(Stderr(), "logx: telegram logging enabled but telegram.group_log is not set")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(Stdout()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}
