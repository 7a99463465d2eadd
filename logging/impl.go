package logging

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type (
	impl struct {
		name  string
		level AtomicLevel
		inUTC bool

		appenders []Appender
	}

	// LogEntry embeds a zapcore Entry and slice of Fields.
	LogEntry struct {
		zapcore.Entry
		fields []zapcore.Field
	}
)

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Name() string {
	return imp.name
}

func (imp *impl) Sublogger(subname string) Logger {
	name := subname
	if imp.name != "" {
		name = imp.name + "." + subname
	}
	// The level is copied, not shared, so a sublogger can be quieter or louder than its parent.
	return &impl{
		name:      name,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var err error
	for _, appender := range imp.appenders {
		err = multierr.Append(err, appender.Sync())
	}
	return err
}

// AsZap returns a zap logger that writes through this logger's appenders at this logger's level.
// Used to hand our logger to libraries that only accept zap.
func (imp *impl) AsZap() *zap.SugaredLogger {
	return zap.New(&appenderCore{imp: imp}, zap.AddCaller()).Sugar()
}

func (imp *impl) enabled(level Level) bool {
	return level >= imp.level.Get()
}

// newEntry must be called directly from emit or emitw so the caller lookup lands on user code.
func (imp *impl) newEntry(level Level, msg string) *LogEntry {
	entry := &LogEntry{}
	entry.Time = time.Now()
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	entry.LoggerName = imp.name
	entry.Level = level.AsZap()
	entry.Message = msg
	entry.Caller = getCaller()
	return entry
}

// emit logs a printf style message, or a print style one when template is empty.
func (imp *impl) emit(level Level, template string, args []interface{}) {
	if !imp.enabled(level) {
		return
	}
	var msg string
	if template == "" {
		msg = fmt.Sprint(args...)
	} else {
		msg = fmt.Sprintf(template, args...)
	}
	imp.write(imp.newEntry(level, msg))
}

// emitw logs msg with keysAndValues as alternating field names and values.
func (imp *impl) emitw(level Level, msg string, keysAndValues []interface{}) {
	if !imp.enabled(level) {
		return
	}
	entry := imp.newEntry(level, msg)
	entry.fields = make([]zapcore.Field, 0, (len(keysAndValues)+1)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		if i+1 == len(keysAndValues) {
			entry.fields = append(entry.fields, zap.Any(key, errors.New("unpaired log key")))
			break
		}
		entry.fields = append(entry.fields, zap.Any(key, keysAndValues[i+1]))
	}
	imp.write(entry)
}

func (imp *impl) write(entry *LogEntry) {
	for _, appender := range imp.appenders {
		if err := appender.Write(entry.Entry, entry.fields); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

func (imp *impl) Debug(args ...interface{})                   { imp.emit(DEBUG, "", args) }
func (imp *impl) Debugf(template string, args ...interface{}) { imp.emit(DEBUG, template, args) }
func (imp *impl) Debugw(msg string, kvs ...interface{})       { imp.emitw(DEBUG, msg, kvs) }
func (imp *impl) Info(args ...interface{})                    { imp.emit(INFO, "", args) }
func (imp *impl) Infof(template string, args ...interface{})  { imp.emit(INFO, template, args) }
func (imp *impl) Infow(msg string, kvs ...interface{})        { imp.emitw(INFO, msg, kvs) }
func (imp *impl) Warn(args ...interface{})                    { imp.emit(WARN, "", args) }
func (imp *impl) Warnf(template string, args ...interface{})  { imp.emit(WARN, template, args) }
func (imp *impl) Warnw(msg string, kvs ...interface{})        { imp.emitw(WARN, msg, kvs) }
func (imp *impl) Error(args ...interface{})                   { imp.emit(ERROR, "", args) }
func (imp *impl) Errorf(template string, args ...interface{}) { imp.emit(ERROR, template, args) }
func (imp *impl) Errorw(msg string, kvs ...interface{})       { imp.emitw(ERROR, msg, kvs) }

// getCaller skips itself, newEntry, emit and the level method.
func getCaller() zapcore.EntryCaller {
	pc, file, line, ok := runtime.Caller(4)
	if !ok {
		return zapcore.EntryCaller{}
	}
	caller := zapcore.EntryCaller{Defined: true, PC: pc, File: file, Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		caller.Function = fn.Name()
	}
	return caller
}

// appenderCore adapts an impl to the zapcore.Core interface for AsZap.
type appenderCore struct {
	imp    *impl
	fields []zapcore.Field
}

func (c *appenderCore) Enabled(level zapcore.Level) bool {
	return level >= c.imp.level.Get().AsZap()
}

func (c *appenderCore) With(fields []zapcore.Field) zapcore.Core {
	combined := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	combined = append(combined, c.fields...)
	combined = append(combined, fields...)
	return &appenderCore{imp: c.imp, fields: combined}
}

func (c *appenderCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *appenderCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.LoggerName == "" {
		entry.LoggerName = c.imp.name
	}
	if c.imp.inUTC {
		entry.Time = entry.Time.UTC()
	}
	all := make([]zapcore.Field, 0, len(c.fields)+len(fields))
	all = append(all, c.fields...)
	all = append(all, fields...)

	var errs error
	for _, appender := range c.imp.appenders {
		errs = multierr.Combine(errs, appender.Write(entry, all))
	}
	return errs
}

func (c *appenderCore) Sync() error {
	return c.imp.Sync()
}
