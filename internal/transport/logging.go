package transport

import (
	"github.com/sirupsen/logrus"
)

// LoggingTransport writes every measurement to the debug log. It is
// the default sink when no network transport is enabled, and a cheap
// tap for troubleshooting alongside one.
type LoggingTransport struct {
	log *logrus.Entry
}

// NewLoggingTransport creates a transport that logs instead of sending.
func NewLoggingTransport() *LoggingTransport {
	return &LoggingTransport{
		log: logrus.WithField("component", "transport"),
	}
}

// Send logs the data at debug level. It never fails.
func (lt *LoggingTransport) Send(data any) error {
	lt.log.WithField("data", data).Debug("measurement")
	return nil
}

// Close is a no-op.
func (lt *LoggingTransport) Close() error {
	return nil
}

var _ Transport = (*LoggingTransport)(nil)
