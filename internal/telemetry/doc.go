// Package telemetry initializes the OpenTelemetry SDK for the approval-flow
// service. When telemetry is disabled the global providers stay noop and no
// exporter connections are made. This package is internal and should not be
// imported by external projects.
package telemetry
