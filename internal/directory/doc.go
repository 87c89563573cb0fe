// Package directory resolves approver specs (user / role / department)
// into concrete user ids against the organization tables, through an
// explicit read-through cache with per-entity invalidation. This package is
// internal and should not be imported by external projects.
package directory
