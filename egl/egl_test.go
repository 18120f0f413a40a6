package egl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pboyd/interpose"
)

func TestContextValidator(t *testing.T) {
	const (
		display = 0x10
		surface = 0x20
	)
	current := func(v uintptr) func() uintptr {
		return func() uintptr { return v }
	}

	cases := map[string]struct {
		display, surface uintptr
		args             []uintptr
		want             bool
	}{
		"current": {
			display: display,
			surface: surface,
			args:    []uintptr{display, surface},
			want:    true,
		},
		"other surface": {
			display: display,
			surface: surface,
			args:    []uintptr{display, 0x30},
		},
		"other display": {
			display: display,
			surface: surface,
			args:    []uintptr{0x11, surface},
		},
		"no context": {
			args: []uintptr{0, 0},
		},
		"short args": {
			display: display,
			surface: surface,
			args:    []uintptr{display},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v := contextValidator(current(tc.display), current(tc.surface))
			assert.Equal(t, tc.want, v(tc.args))
		})
	}
}

func TestHookSwapBuffersMissingLibrary(t *testing.T) {
	c := interpose.New()

	_, err := HookSwapBuffers(c, "libnot-egl-at-all.so", nil, true)
	assert.ErrorIs(t, err, interpose.ErrModuleUnavailable)

	_, err = CurrentContextValidator(c, "libnot-egl-at-all.so")
	assert.ErrorIs(t, err, interpose.ErrModuleUnavailable)
}
