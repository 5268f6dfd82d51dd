// Package log provides the logger used across flow packages.
package log

import (
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

var debug bool

// Logger is a global interface for flow loggers.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Errorf(string, ...interface{})
}

func init() {
	var err error
	debug, err = strconv.ParseBool(os.Getenv("FLOW_DEBUG"))
	if err != nil {
		debug = false
	}
}

// Default returns a new logger instance. Debug level is enabled with the
// FLOW_DEBUG environment variable.
func Default() *logrus.Logger {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return l
}

// Silent returns a logger that discards everything.
func Silent() Logger {
	return silent{}
}

type silent struct{}

func (silent) Debugf(string, ...interface{}) {}

func (silent) Infof(string, ...interface{}) {}

func (silent) Errorf(string, ...interface{}) {}
