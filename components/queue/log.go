package queue

import (
	"io"

	"github.com/sirupsen/logrus"
)

// DiscardLogger returns a logger that drops everything. Adapters use it
// until WithLogger supplies a real one.
func DiscardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
