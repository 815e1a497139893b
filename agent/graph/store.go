package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/internal/database"
)

// Store is the gorm-backed capability graph. Provider ids and capability
// names are matched case-insensitively.
type Store struct {
	pool   *database.Pool
	logger *zap.Logger
}

// NewStore creates a store over a connection pool.
func NewStore(pool *database.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "graph_store")),
	}
}

// AutoMigrate creates the schema with gorm. Production databases use the
// SQL migrations instead.
func (s *Store) AutoMigrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&CapabilityRecord{}, &PropertyRecord{}); err != nil {
		return fmt.Errorf("auto migrate graph schema: %w", err)
	}
	return nil
}

// Save replaces every stored entry of desc.Name for providerID with desc.
func (s *Store) Save(ctx context.Context, providerID string, desc capability.CapabilityDescription) error {
	rec, err := toRecord(providerID, desc)
	if err != nil {
		return err
	}
	return s.pool.RetryTx(ctx, func(tx *gorm.DB) error {
		if err := deleteCapability(tx, providerID, desc.Name); err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
}

// Append stores desc next to existing entries of the same capability.
func (s *Store) Append(ctx context.Context, providerID string, desc capability.CapabilityDescription) error {
	rec, err := toRecord(providerID, desc)
	if err != nil {
		return err
	}
	return s.pool.Tx(ctx, func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// ImportDescription saves every capability of a local description under its
// provider id.
func (s *Store) ImportDescription(ctx context.Context, d *capability.Description) error {
	if d == nil || strings.TrimSpace(d.ProviderID) == "" {
		return fmt.Errorf("description has no provider id")
	}
	for _, c := range d.Capabilities {
		if err := s.Save(ctx, d.ProviderID, c); err != nil {
			return fmt.Errorf("import %s: %w", c.Name, err)
		}
	}
	s.logger.Info("capability description imported",
		zap.String("provider_id", d.ProviderID),
		zap.Int("capabilities", len(d.Capabilities)),
	)
	return nil
}

// Delete removes every entry of a capability for providerID.
func (s *Store) Delete(ctx context.Context, providerID, name string) error {
	return s.pool.Tx(ctx, func(tx *gorm.DB) error {
		return deleteCapability(tx, providerID, name)
	})
}

func deleteCapability(tx *gorm.DB, providerID, name string) error {
	var ids []uint
	if err := scoped(tx.Model(&CapabilityRecord{}), providerID, name).Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("capability_id IN ?", ids).Delete(&PropertyRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("id IN ?", ids).Delete(&CapabilityRecord{}).Error
}

func scoped(db *gorm.DB, providerID, name string) *gorm.DB {
	return db.Where("LOWER(provider_id) = ? AND LOWER(name) = ?",
		strings.ToLower(strings.TrimSpace(providerID)),
		strings.ToLower(strings.TrimSpace(name)),
	)
}

// OfferedCapabilities implements Query.
func (s *Store) OfferedCapabilities(ctx context.Context, providerID, name string) ([]capability.CapabilityDescription, error) {
	var recs []CapabilityRecord
	err := scoped(s.pool.DB().WithContext(ctx), providerID, name).
		Preload("Properties", func(db *gorm.DB) *gorm.DB { return db.Order("ordinal ASC") }).
		Order("id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query offered capabilities: %w", err)
	}

	out := make([]capability.CapabilityDescription, 0, len(recs))
	for i := range recs {
		desc, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	return out, nil
}

// CapabilityReference implements Query.
func (s *Store) CapabilityReference(ctx context.Context, providerID, name string) (string, error) {
	var rec CapabilityRecord
	err := scoped(s.pool.DB().WithContext(ctx), providerID, name).Order("id ASC").Limit(1).Find(&rec).Error
	if err != nil {
		return "", fmt.Errorf("query capability reference: %w", err)
	}
	if rec.ID == 0 {
		return "", fmt.Errorf("%w: %s/%s", ErrCapabilityNotFound, providerID, name)
	}
	return rec.Reference, nil
}

// Capabilities lists the distinct capability names stored for providerID.
func (s *Store) Capabilities(ctx context.Context, providerID string) ([]string, error) {
	var names []string
	err := s.pool.DB().WithContext(ctx).Model(&CapabilityRecord{}).
		Where("LOWER(provider_id) = ?", strings.ToLower(strings.TrimSpace(providerID))).
		Distinct("name").Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

var _ Query = (*Store)(nil)
