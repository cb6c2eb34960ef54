// Package logging configures logrus for the command line tools.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

// Options mirrors the logging flags.
type Options struct {
	Verbose bool
	Level   string
	Format  string
	File    string
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// toLogLevel converts a --log-level value to the logrus level.
func toLogLevel(s string) (logrus.Level, bool) {
	l, found := map[string]logrus.Level{
		"trace": logrus.TraceLevel,
		"debug": logrus.DebugLevel,
		"info":  logrus.InfoLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
		"fatal": logrus.FatalLevel,
		"panic": logrus.PanicLevel,
	}[strings.ToLower(s)]
	return l, found
}

// Setup applies opts to log. Logs go to a colored stdout only in verbose
// mode; a log file gets every entry regardless, without color codes.
func Setup(log *logrus.Logger, opts Options) (io.Closer, error) {
	if opts.Verbose {
		log.SetOutput(colorable.NewColorableStdout())
		log.SetFormatter(&logrus.TextFormatter{ForceColors: true})
	} else {
		log.SetOutput(io.Discard)
	}

	format := strings.ToLower(opts.Format)
	switch format {
	case "", "text":
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format: %s", opts.Format)
	}

	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, found := toLogLevel(level)
	if !found {
		return nil, fmt.Errorf("invalid log level: %s", opts.Level)
	}
	log.SetLevel(lvl)

	if opts.File == "" {
		return nopCloser{}, nil
	}

	file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("unable to open file for logging: %s: %w", opts.File, err)
	}

	var formatter logrus.Formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
	if format == "json" {
		formatter = &logrus.JSONFormatter{}
	}
	log.AddHook(lfshook.NewHook(file, formatter))
	return file, nil
}
