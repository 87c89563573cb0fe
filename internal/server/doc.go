// Package server wraps net/http with lifecycle management: non-blocking
// start, graceful shutdown and signal handling. This package is internal
// and should not be imported by external projects.
package server
