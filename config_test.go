package interpose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoadConfig(t *testing.T) {
	cases := map[string]struct {
		env     map[string]string
		want    Config
		wantErr bool
	}{
		"defaults": {
			want: DefaultConfig(),
		},
		"all set": {
			env: map[string]string{
				EnvBackend:         "clone",
				EnvValidateContext: "false",
				EnvLogLevel:        "debug",
			},
			want: Config{Backend: "clone", LogLevel: zapcore.DebugLevel},
		},
		"empty values": {
			env: map[string]string{
				EnvBackend:  "",
				EnvLogLevel: "",
			},
			want: DefaultConfig(),
		},
		"bad backend": {
			env:     map[string]string{EnvBackend: "trampoline"},
			wantErr: true,
		},
		"bad bool": {
			env:     map[string]string{EnvValidateContext: "maybe"},
			wantErr: true,
		},
		"bad level": {
			env:     map[string]string{EnvLogLevel: "loud"},
			wantErr: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := loadConfig(env(tc.env))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			if assert.NoError(t, err) {
				assert.Equal(t, tc.want, cfg)
			}
		})
	}
}

func TestConfigOptions(t *testing.T) {
	assert := assert.New(t)

	core, logs := observer.New(zap.DebugLevel)
	cfg := Config{Backend: "clone", LogLevel: zapcore.WarnLevel}

	opts, err := cfg.Options(zap.New(core))
	require.NoError(t, err)

	c := New(opts...)
	assert.Equal(BackendClone, c.Backend().Name())

	c.Logger().Info("hidden")
	c.Logger().Warn("shown")
	assert.Equal(1, logs.Len())

	_, err = Config{Backend: "nope"}.Options(nil)
	assert.Error(err)
}

func TestBackendByName(t *testing.T) {
	assert := assert.New(t)

	for name, want := range map[string]string{
		"":        BackendInline,
		"inline":  BackendInline,
		" Clone ": BackendClone,
	} {
		b, err := BackendByName(name)
		if assert.NoError(err, name) {
			assert.Equal(want, b.Name())
		}
	}

	_, err := BackendByName("detours")
	assert.Error(err)
}
