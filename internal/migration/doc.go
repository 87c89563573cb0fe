// Package migration manages the database schema for the approval-flow
// service using golang-migrate with embedded SQL files per driver
// (postgres, mysql, sqlite). This package is internal and should not be
// imported by external projects.
package migration
