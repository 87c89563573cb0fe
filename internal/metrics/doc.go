// Package metrics provides the prometheus collectors for the approval-flow
// service: HTTP traffic, instance lifecycle, task decisions, condition
// evaluations and database pool state. This package is internal and should
// not be imported by external projects.
package metrics
