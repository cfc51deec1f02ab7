// Package logging provides the structured logging setup shared by the
// coordinator and worker processes. It is built on logrus and routes
// error-and-above records to stderr while everything else goes to
// stdout, so a process supervisor capturing the two streams separately
// sees failures without info-level noise.
package logging

import (
	"bytes"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter implements io.Writer by inspecting the level prefix
// logrus's text formatter writes and routing accordingly.
type streamSplitter struct {
	stdout io.Writer
	stderr io.Writer
}

func (s *streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) || bytes.Contains(p, []byte("level=panic")) {
		return s.stderr.Write(p)
	}
	return s.stdout.Write(p)
}

// New builds a component-tagged logger. level is parsed with
// logrus.ParseLevel; an invalid level falls back to info.
func New(component string, level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&streamSplitter{stdout: os.Stdout, stderr: os.Stderr})
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return l.WithField("component", component)
}
