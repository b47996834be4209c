// Package delivery carries OTP codes to the user out of band. The channel
// is invoked synchronously inside the send flow; a failed delivery causes
// the freshly created challenge to be rolled back.
package delivery

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Sender interface {
	Send(ctx context.Context, phone, code string) error
}

// LogSender writes the code to the log instead of delivering it. Used in
// development and tests where no messaging backend is configured.
type LogSender struct {
	logger *logrus.Logger
}

func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, phone, code string) error {
	s.logger.WithFields(logrus.Fields{
		"phone": phone,
		"code":  code,
	}).Info("OTP delivery (log sender)")
	return nil
}
