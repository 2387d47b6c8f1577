package telemetry

import (
	"context"

	"github.com/joinflow/joinflow/types"
	"github.com/sirupsen/logrus"
)

type LogSink struct {
	logger logrus.FieldLogger
}

func NewLogSink(logger logrus.FieldLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Record(ctx context.Context, attempt types.Attempt) error {
	fields := logrus.Fields{
		"attempt_id": attempt.ID,
		"link_id":    attempt.LinkID,
		"entry_id":   attempt.EntryID,
		"latency_ms": attempt.Latency.Milliseconds(),
		"outcome":    Outcome(attempt),
	}
	if attempt.ChipID != nil {
		fields["chip_id"] = *attempt.ChipID
	}

	entry := l.logger.WithFields(fields)
	if attempt.Err != nil {
		entry.WithError(attempt.Err).Warn("join attempt failed")
		return nil
	}
	entry.Info("join attempt")
	return nil
}
