package interpose

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// NewBridgeCore returns a zapcore.Core that emits each entry through b. The
// category is the logger name, or the level if the logger is unnamed, and the
// message carries the entry message followed by its fields.
//
// Entries written before the bridge is initialized are dropped.
func NewBridgeCore(b *Bridge, threadLabel string, lvl zapcore.LevelEnabler) zapcore.Core {
	if lvl == nil {
		lvl = zapcore.InfoLevel
	}
	return &bridgeCore{
		LevelEnabler: lvl,
		bridge:       b,
		label:        threadLabel,
		enc: zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			// only the fields; time, level and name go elsewhere
			ConsoleSeparator: " ",
		}),
	}
}

type bridgeCore struct {
	zapcore.LevelEnabler
	bridge *Bridge
	label  string
	enc    zapcore.Encoder
}

func (c *bridgeCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (c *bridgeCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) && c.bridge.Enabled() {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *bridgeCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	category := ent.LoggerName
	if category == "" {
		category = ent.Level.CapitalString()
	}

	msg := ent.Message
	buf, err := c.enc.EncodeEntry(zapcore.Entry{}, fields)
	if err == nil {
		if extra := strings.TrimSpace(buf.String()); extra != "" {
			msg += " " + extra
		}
		buf.Free()
	}

	c.bridge.Emit(c.label, category, msg)
	return nil
}

func (c *bridgeCore) Sync() error {
	return nil
}
