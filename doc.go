// Intercept native functions at runtime
//
// interpose redirects an already-loaded C ABI function to a Go dispatcher
// while keeping the original implementation callable through a trampoline.
// It also carries a bridge that lets any native thread call a static method on
// a JNI runtime, attaching and detaching the thread as needed.
//
// A typical setup:
//
//	c := interpose.New(interpose.WithLogger(logger))
//	sym, err := c.Resolve("libEGL.so", "eglSwapBuffers")
//	d, err := c.Intercept(sym, 2, interpose.WithSideWork(draw))
//
// Limitations:
//   - Only supports amd64 and arm64 on Linux or Android
//   - Dispatcher arguments and results are machine words; floating point
//     registers are not forwarded
//   - Hooks live until the process exits, there is no uninstall
//   - Functions that branch back into their first few instructions cannot be
//     hooked with the inline backend; use the clone backend for those
package interpose
