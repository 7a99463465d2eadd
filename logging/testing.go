package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

// testAppender routes log lines through tb.Log so they stay attached to the test that wrote them.
type testAppender struct {
	tb testing.TB
}

// NewTestAppender returns an appender that logs through tb.
func NewTestAppender(tb testing.TB) Appender {
	return testAppender{tb}
}

func (tapp testAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	tapp.tb.Helper()
	// On an encoding error the line still carries everything but the fields.
	line, err := formatLine(entry, fields)
	tapp.tb.Log(line)
	return err
}

func (tapp testAppender) Sync() error {
	return nil
}
