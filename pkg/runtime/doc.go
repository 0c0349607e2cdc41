// Package runtime implements the runtime adapter (C4) of the spec: one
// Adapter interface over two CLI-compatible container runtimes, docker and
// podman, selected by PLOINKY_RUNTIME or PATH auto-detection.
package runtime
