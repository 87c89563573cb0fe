// Package types provides unified type definitions shared across the
// approval-flow engine: error codes, the structured Error type, and the
// helpers handlers use to map engine failures onto HTTP responses.
//
// The types package is the lowest-level package with no internal
// dependencies, so placing the error taxonomy here avoids circular imports
// between the engine, the stores and the API layer.
package types
