// Package dlog provides the daemon's structured logging entry points.
//
// Every subsystem gets its own *logrus.Entry tagged with a "subsystem"
// field, mirroring the teacher's per-call-site log.Infof/Warningf/Debugf
// convention but backed by logrus instead of a hand-rolled logger.
package dlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetOutput redirects the daemon-wide logger (stderr by default).
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// SetLevel adjusts the daemon-wide verbosity.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// ForSubsystem returns a logger tagged with the given subsystem name,
// e.g. dlog.ForSubsystem("cgroup"), dlog.ForSubsystem("launcher").
func ForSubsystem(name string) *logrus.Entry {
	return base.WithField("subsystem", name)
}
