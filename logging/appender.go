package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the timestamp layout used by the console appenders.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender is an output for log entries. This is a subset of the `zapcore.Core` interface.
type Appender interface {
	// Write submits a structured log entry to the appender for logging.
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync is for signaling that any buffered logs to `Write` should be flushed.
	Sync() error
}

// ConsoleAppender writes tab separated lines to an io.Writer.
type ConsoleAppender struct {
	io.Writer
}

// NewStdoutAppender creates a new appender that outputs to stdout.
func NewStdoutAppender() ConsoleAppender {
	return ConsoleAppender{os.Stdout}
}

// NewWriterAppender creates a new appender that outputs to the input writer.
func NewWriterAppender(writer io.Writer) ConsoleAppender {
	return ConsoleAppender{writer}
}

// Write outputs the log entry as one formatLine line.
func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, err := formatLine(entry, fields)
	if err != nil {
		return err
	}
	_, err = io.WriteString(appender.Writer, line+"\n")
	return err
}

// formatLine joins time, level, logger name, caller and message with tabs, then appends a JSON
// object of the fields if there are any.
func formatLine(entry zapcore.Entry, fields []zapcore.Field) (string, error) {
	parts := []string{entry.Time.Format(DefaultTimeFormatStr), strings.ToUpper(entry.Level.String())}
	if entry.LoggerName != "" {
		parts = append(parts, entry.LoggerName)
	}
	if entry.Caller.Defined {
		parts = append(parts, callerToString(&entry.Caller))
	}
	parts = append(parts, entry.Message)
	if len(fields) == 0 {
		return strings.Join(parts, "\t"), nil
	}
	encoded, err := encodeFields(fields)
	if err != nil {
		return strings.Join(parts, "\t"), err
	}
	return strings.Join(append(parts, encoded), "\t"), nil
}

// Sync is a no-op.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// FileConfig describes a rotating log file.
type FileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// FileAppender writes one JSON object per entry to a size-rotated file.
type FileAppender struct {
	encoder zapcore.Encoder
	out     *lumberjack.Logger
}

// NewFileAppender returns an appender backed by lumberjack. The file is created lazily on the
// first write.
func NewFileAppender(cfg FileConfig) *FileAppender {
	encoderCfg := NewZapLoggerConfig().EncoderConfig
	encoderCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderCfg.EncodeCaller = zapcore.ShortCallerEncoder
	return &FileAppender{
		encoder: zapcore.NewJSONEncoder(encoderCfg),
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
	}
}

// Write encodes the entry as JSON and appends it to the file.
func (fa *FileAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	buf, err := fa.encoder.EncodeEntry(entry, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	_, err = fa.out.Write(buf.Bytes())
	return err
}

// Sync is a no-op; lumberjack does not buffer.
func (fa *FileAppender) Sync() error {
	return nil
}

// Close closes the current log file.
func (fa *FileAppender) Close() error {
	return fa.out.Close()
}

// NewFileLogger returns an Info+ logger writing to stdout and to a rotating JSON file. The
// returned appender must be closed by the caller on exit.
func NewFileLogger(name string, cfg FileConfig) (Logger, *FileAppender) {
	fileAppender := NewFileAppender(cfg)
	logger := NewLogger(name)
	logger.AddAppender(fileAppender)
	return logger, fileAppender
}

func encodeFields(fields []zapcore.Field) (string, error) {
	// Use zap's json encoder which will encode our slice of fields in-order. Call it with an empty
	// Entry object such that only the fields become "map-ified".
	jsonEncoder := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := jsonEncoder.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return "", err
	}
	defer buf.Free()
	return buf.String(), nil
}

func callerToString(caller *zapcore.EntryCaller) string {
	// The file returned by `runtime.Caller` is a full path and always contains '/' to separate
	// directories. Keep only the last directory and the file name.
	return caller.TrimmedPath()
}
