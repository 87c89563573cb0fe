package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/approvalflow/types"
)

// =============================================================================
// 定义生命周期管理
// =============================================================================
// 定义一旦被实例引用即不可变：实例在启动时快照整张图。对已有定义的
// 编辑总是落成一个新版本行，旧版本同事务停用，旧实例不受影响。
// =============================================================================

// DefinitionManager handles design-time definition CRUD and activation.
type DefinitionManager struct {
	store  Store
	logger *zap.Logger
}

// NewDefinitionManager creates a definition manager.
func NewDefinitionManager(store Store, logger *zap.Logger) *DefinitionManager {
	return &DefinitionManager{
		store:  store,
		logger: logger.With(zap.String("component", "definition_manager")),
	}
}

// Save validates and persists a definition. An empty ID creates version 1;
// a non-empty ID creates the next version of that definition (same code,
// version+1) and deactivates the edited row in the same transaction.
// Malformed definitions are rejected whole with every violation listed;
// nothing is partially saved.
func (m *DefinitionManager) Save(ctx context.Context, def *Definition) (*Definition, error) {
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}

	saved := *def
	err := m.store.InTx(ctx, func(tx Store) error {
		if def.ID == "" {
			saved.ID = uuid.NewString()
			saved.Version = 1
			saved.Active = false
			return tx.SaveDefinition(ctx, &saved)
		}

		prev, err := tx.GetDefinition(ctx, def.ID)
		if err != nil {
			return err
		}
		saved.ID = uuid.NewString()
		saved.Code = prev.Code
		saved.Version = prev.Version + 1
		saved.Active = prev.Active
		if prev.Active {
			prev.Active = false
			if err := tx.SaveDefinition(ctx, prev); err != nil {
				return err
			}
		}
		return tx.SaveDefinition(ctx, &saved)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("definition saved",
		zap.String("definition_id", saved.ID),
		zap.String("code", saved.Code),
		zap.Int("version", saved.Version),
		zap.String("module_type", saved.ModuleType),
	)
	return &saved, nil
}

// Activate marks a definition active after re-validating it and checking
// that activation does not create a priority tie among the module type's
// active definitions. Ambiguous routing is rejected here, at design time,
// never at instance-start time.
func (m *DefinitionManager) Activate(ctx context.Context, definitionID string) (*Definition, error) {
	var def *Definition
	err := m.store.InTx(ctx, func(tx Store) error {
		var err error
		def, err = tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if err := ValidateDefinition(def); err != nil {
			return err
		}
		if def.Active {
			return nil
		}

		others, err := tx.ListDefinitions(ctx, def.ModuleType)
		if err != nil {
			return err
		}
		for _, other := range others {
			if other.ID != def.ID && other.Active && other.Priority == def.Priority {
				return types.NewError(types.ErrValidation,
					fmt.Sprintf("active definition %s already holds priority %d for module type %s",
						other.Code, def.Priority, def.ModuleType))
			}
		}

		def.Active = true
		return tx.SaveDefinition(ctx, def)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("definition activated",
		zap.String("definition_id", def.ID),
		zap.String("module_type", def.ModuleType),
		zap.Int("priority", def.Priority),
	)
	return def, nil
}

// Deactivate flips a definition inactive. Running instances are unaffected;
// they execute against their snapshot.
func (m *DefinitionManager) Deactivate(ctx context.Context, definitionID string) error {
	return m.store.InTx(ctx, func(tx Store) error {
		def, err := tx.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}
		if !def.Active {
			return nil
		}
		def.Active = false
		return tx.SaveDefinition(ctx, def)
	})
}

// Get returns one definition by id.
func (m *DefinitionManager) Get(ctx context.Context, definitionID string) (*Definition, error) {
	return m.store.GetDefinition(ctx, definitionID)
}

// List returns every definition for a module type, all versions included.
func (m *DefinitionManager) List(ctx context.Context, moduleType string) ([]*Definition, error) {
	return m.store.ListDefinitions(ctx, moduleType)
}
