// Package approvalflow provides a top-level convenience entry point for
// embedding the approval engine in another Go service with minimal
// boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/approvalflow"
//
//	eng, err := approvalflow.New(db)
//	eng, err := approvalflow.New(db, approvalflow.WithLogger(logger))
//
// This wires the gorm-backed store and the organization directory onto the
// given database connection and runs the schema auto-migration. Services
// that need Redis-backed directory caching, Prometheus metrics or the HTTP
// surface should run the approvalflow server binary instead.
package approvalflow

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/approvalflow/internal/directory"
	"github.com/BaSui01/approvalflow/internal/store"
	"github.com/BaSui01/approvalflow/workflow"
)

// Engine combines the workflow engine with definition management for
// embedded use.
type Engine struct {
	*workflow.Engine

	// Definitions manages the workflow definition lifecycle (save,
	// activate, deactivate).
	Definitions *workflow.DefinitionManager

	// Directory resolves approver specs against the org tables and can be
	// invalidated after org data changes.
	Directory *directory.Directory
}

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	logger       *zap.Logger
	directoryTTL time.Duration
	engineOpts   []workflow.Option
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDirectoryTTL bounds how stale cached approver resolutions may get.
// Only meaningful once a cache is attached; direct database reads ignore it.
func WithDirectoryTTL(ttl time.Duration) Option {
	return func(o *options) { o.directoryTTL = ttl }
}

// WithEngineOptions passes options through to [workflow.NewEngine], such as
// [workflow.WithObserver] or [workflow.WithClock].
func WithEngineOptions(opts ...workflow.Option) Option {
	return func(o *options) { o.engineOpts = append(o.engineOpts, opts...) }
}

// New creates an embedded approval engine on the given database connection
// and auto-migrates the workflow and org schemas.
func New(db *gorm.DB, opts ...Option) (*Engine, error) {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	if err := store.AutoMigrate(db); err != nil {
		return nil, err
	}
	if err := directory.AutoMigrate(db); err != nil {
		return nil, err
	}

	st := store.New(db, o.logger)
	dir := directory.New(db, nil, o.directoryTTL, o.logger)

	return &Engine{
		Engine:      workflow.NewEngine(st, dir, o.logger, o.engineOpts...),
		Definitions: workflow.NewDefinitionManager(st, o.logger),
		Directory:   dir,
	}, nil
}
