//go:build linux

package interpose

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBridgeCore(t *testing.T) {
	assert := assert.New(t)
	rt := newFakeRuntime()
	b := initBridge(t, rt)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rt.attachSelf()

	log := zap.New(NewBridgeCore(b, "native", zapcore.InfoLevel))

	log.Debug("filtered")
	log.Info("plain")
	log.Named("egl").With(zap.String("surface", "main")).Warn("swap", zap.Int("frame", 3))

	if assert.Len(rt.calls, 2) {
		assert.Equal([]string{"native", "INFO", "plain"}, rt.calls[0])
		assert.Equal([]string{"native", "egl", `swap {"surface": "main", "frame": 3}`}, rt.calls[1])
	}
}

func TestBridgeCoreDisabled(t *testing.T) {
	b := NewBridge(nil)
	core := NewBridgeCore(b, "native", nil)

	ent := zapcore.Entry{Level: zapcore.ErrorLevel, Message: "nobody listening"}
	assert.Nil(t, core.Check(ent, nil))
}

func TestContextBridgeLogging(t *testing.T) {
	assert := assert.New(t)
	rt := newFakeRuntime()

	c := New(WithBridgeLogging("native", zapcore.WarnLevel))

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	rt.attachSelf()

	assert.NoError(c.Bridge().Init(rt, testTarget))

	c.Logger().Info("quiet")
	c.Logger().Error("hook install failed", zap.String("phase", "commit"))

	if assert.Len(rt.calls, 1) {
		assert.Equal([]string{"native", "ERROR", `hook install failed {"phase": "commit"}`}, rt.calls[0])
	}
}
