package billing

import (
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v79"
)

// SlogLeveledLogger はstripe-goのログをslogへ転送する。
type SlogLeveledLogger struct {
	Logger *slog.Logger
}

func (l *SlogLeveledLogger) Debugf(format string, v ...interface{}) {
	l.Logger.Debug(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

func (l *SlogLeveledLogger) Infof(format string, v ...interface{}) {
	l.Logger.Info(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

func (l *SlogLeveledLogger) Warnf(format string, v ...interface{}) {
	l.Logger.Warn(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

func (l *SlogLeveledLogger) Errorf(format string, v ...interface{}) {
	l.Logger.Error(fmt.Sprintf(format, v...), slog.String("component", "stripe"))
}

var _ stripe.LeveledLoggerInterface = (*SlogLeveledLogger)(nil)
