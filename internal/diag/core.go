package diag

import (
	"go.uber.org/zap/zapcore"
)

// consoleCore copies script console lines into a Sink. It is teed next to
// the regular logging core for the script logger.
type consoleCore struct {
	zapcore.LevelEnabler
	sink   Sink
	fields []zapcore.Field
}

// NewConsoleCore returns a core that records every enabled log line as a
// KindConsole entry. The script and entity fields become entry columns.
func NewConsoleCore(sink Sink, level zapcore.LevelEnabler) zapcore.Core {
	return &consoleCore{LevelEnabler: level, sink: sink}
}

func (c *consoleCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

func (c *consoleCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *consoleCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	e := Entry{
		At:      ent.Time,
		Kind:    KindConsole,
		Level:   ent.Level,
		Message: ent.Message,
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if v, ok := enc.Fields["script"].(string); ok {
		e.ScriptID = v
	}
	if v, ok := enc.Fields["entity"].(string); ok {
		e.Entity = v
	}
	c.sink.Record(e)
	return nil
}

func (c *consoleCore) Sync() error { return nil }
