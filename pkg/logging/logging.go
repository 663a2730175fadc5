package logging

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Settings struct {
	Level      string
	Format     string
	File       string
	WithCaller bool
}

func AddFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "Log format: auto, text or json")
	fs.String("log-file", "", "Also write JSON logs to this file, rotated")
	fs.Bool("with-caller", false, "Include the caller in log lines")
}

func SettingsFromFlags(fs *pflag.FlagSet) (Settings, error) {
	var s Settings
	var err error
	if s.Level, err = fs.GetString("log-level"); err != nil {
		return s, err
	}
	if s.Format, err = fs.GetString("log-format"); err != nil {
		return s, err
	}
	if s.File, err = fs.GetString("log-file"); err != nil {
		return s, err
	}
	if s.WithCaller, err = fs.GetBool("with-caller"); err != nil {
		return s, err
	}
	return s, nil
}

// Init configures the global zerolog logger. Text output is used on a
// terminal when the format is auto.
func Init(s Settings) error {
	return InitTo(os.Stderr, s)
}

func InitTo(out *os.File, s Settings) error {
	level := zerolog.InfoLevel
	if strings.TrimSpace(s.Level) != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(s.Level))
		if err != nil {
			return errors.Wrapf(err, "invalid log level %q", s.Level)
		}
		level = l
	}

	var console io.Writer = out
	switch s.Format {
	case "", "auto":
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			console = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
		}
	case "text":
		console = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: "15:04:05"}
	case "json":
	default:
		return errors.Errorf("invalid log format %q", s.Format)
	}

	writers := []io.Writer{console}
	if s.File != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp()
	if s.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	zerolog.SetGlobalLevel(level)
	return nil
}
