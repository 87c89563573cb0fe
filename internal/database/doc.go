// Package database manages the gorm connection pool and the transaction
// helpers every state transition of the engine runs through. This package
// is internal and should not be imported by external projects.
package database
