// Inspect and patch the memory of a running Linux process
//
// A Handle reads and writes another process through /proc/<pid>/mem and
// walks its mappings in /proc/<pid>/maps. On top of that it can resolve the
// runtime address of a shared library symbol from the library's file on
// disk, find runs of zero bytes to hold injected code, and overwrite code
// with a jump to somewhere else.
//
// The target is not stopped while any of this happens. Wrap a sequence of
// operations in Frozen if it needs a consistent view.
//
// Limitations:
//   - Linux only. Needs ptrace access to the target, typically the same
//     user with kernel.yama.ptrace_scope=0, or root.
//   - Hooks overwrite code in place and keep no copy of it.
//   - Payload sizing only understands 32-bit ARM code.
//   - Pointer chains and caves are best effort. Nothing is validated.
package procpatch
