package interpose_test

import (
	"fmt"
	"log"
	"os"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/pboyd/interpose"
)

func ExampleContext_Intercept() {
	c := interpose.New(interpose.WithLogger(zap.NewExample()))

	sym, err := c.Resolve("libc.so.6", "getpid")
	if err != nil {
		log.Fatal(err)
	}

	d, err := c.Intercept(sym, 0, interpose.WithSideWork(func([]uintptr) {
		fmt.Println("getpid called")
	}))
	if err != nil {
		log.Fatal(err)
	}

	// Calls through the C symbol now reach the dispatcher first.
	pid, _, _ := purego.SyscallN(sym.Addr)
	fmt.Println(int(pid) == os.Getpid(), d.Stats().Calls)
}

func ExampleLoadConfig() {
	os.Setenv(interpose.EnvBackend, "clone")
	os.Setenv(interpose.EnvLogLevel, "warn")
	defer os.Unsetenv(interpose.EnvBackend)
	defer os.Unsetenv(interpose.EnvLogLevel)

	cfg, err := interpose.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	opts, err := cfg.Options(zap.NewExample())
	if err != nil {
		log.Fatal(err)
	}

	c := interpose.New(opts...)
	c.Logger().Info("not shown")
	c.Logger().Warn("shown", zap.String("backend", c.Backend().Name()))
	// Output: {"level":"warn","msg":"shown","backend":"clone"}
}
