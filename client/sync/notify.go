package sync

import (
	log "github.com/sirupsen/logrus"
)

// Notifier surfaces mutation outcomes to the user. Every mutation failure
// and every mutation success produces exactly one notification; nothing is
// dropped silently.
type Notifier interface {
	Success(op, message string)
	Failure(op string, err error)
}

// LogNotifier reports outcomes through logrus.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Success(op, message string) {
	n.logger.WithFields(log.Fields{"op": op}).Info(message)
}

func (n *LogNotifier) Failure(op string, err error) {
	n.logger.WithFields(log.Fields{"op": op, "error": err.Error()}).Error("mutation failed")
}
