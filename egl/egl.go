// Package egl intercepts eglSwapBuffers so a caller can draw on top of every
// frame before it is presented.
package egl

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pboyd/interpose"
)

// DefaultLibrary is the EGL module name on Android.
const DefaultLibrary = "libEGL.so"

const eglDraw = 0x3059 // EGL_DRAW

// Overlay draws on the surface about to be presented. It runs on the
// render thread with the application's EGL context current.
type Overlay func(display, surface uintptr)

// HookSwapBuffers intercepts eglSwapBuffers in lib and calls overlay before
// every frame is presented. With validate set, overlay only runs when the
// display and surface being swapped are the thread's current ones. The
// frame is always presented with the application's original arguments.
func HookSwapBuffers(c *interpose.Context, lib string, overlay Overlay, validate bool) (*interpose.Dispatcher, error) {
	if lib == "" {
		lib = DefaultLibrary
	}

	sym, err := c.Resolve(lib, "eglSwapBuffers")
	if err != nil {
		return nil, err
	}

	var opts []interpose.DispatchOption
	if validate {
		v, err := CurrentContextValidator(c, lib)
		if err != nil {
			return nil, fmt.Errorf("context validation requested: %w", err)
		}
		opts = append(opts, interpose.WithValidator(v))
	}
	if overlay != nil {
		opts = append(opts, interpose.WithSideWork(func(args []uintptr) {
			overlay(args[0], args[1])
		}))
	}

	d, err := c.Intercept(sym, 2, opts...)
	if err != nil {
		return nil, err
	}

	c.Logger().Info("hooked eglSwapBuffers",
		zap.String("module", lib),
		zap.Bool("validate", validate))
	return d, nil
}

// CurrentContextValidator returns a validator for eglSwapBuffers calls that
// passes only when the swapped display and surface are current on the
// calling thread.
func CurrentContextValidator(c *interpose.Context, lib string) (interpose.Validator, error) {
	if lib == "" {
		lib = DefaultLibrary
	}

	var (
		getCurrentDisplay func() uintptr
		getCurrentSurface func(readdraw int32) uintptr
	)
	if err := c.ResolveInto(lib, "eglGetCurrentDisplay", &getCurrentDisplay); err != nil {
		return nil, err
	}
	if err := c.ResolveInto(lib, "eglGetCurrentSurface", &getCurrentSurface); err != nil {
		return nil, err
	}

	return contextValidator(getCurrentDisplay, func() uintptr {
		return getCurrentSurface(eglDraw)
	}), nil
}

func contextValidator(display, surface func() uintptr) interpose.Validator {
	return func(args []uintptr) bool {
		if len(args) < 2 || args[0] == 0 || args[1] == 0 {
			return false
		}
		return args[0] == display() && args[1] == surface()
	}
}
