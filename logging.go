package vaultfs

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Package-level logger. Silent by default so library users are not
// surprised by output; best-effort failure paths (background flushes,
// close-time writebacks) log here because they have no error return.
var logger = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.WarnLevel)
	return l
}

// SetLogOutput directs vaultfs log output to w.
func SetLogOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetLogLevel adjusts the verbosity of the package logger.
func SetLogLevel(level logrus.Level) {
	logger.SetLevel(level)
}
