package tools

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// SetupLogger configures the standard logrus logger to write JSON to
// stdout and, when logFile is set, to append to that file as well.
func SetupLogger(level string, logFile string) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()
	logger.Formatter = &logrus.JSONFormatter{}

	var out io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(f, os.Stdout)
	}
	logger.SetOutput(out)
	logger.SetLevel(ParseLevel(level))
	return logger, nil
}

// ParseLevel maps LOG_LEVEL style strings onto logrus levels, defaulting to info.
func ParseLevel(level string) logrus.Level {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}
