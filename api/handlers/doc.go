// Package handlers contains the HTTP handlers of the approval-flow API:
// workflow instance operations, approval task resolution, definition
// management, the module field registry and health endpoints.
//
// All handlers write the unified Response envelope and map engine error
// codes onto HTTP status codes in one place (common.go).
package handlers
