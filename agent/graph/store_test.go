package graph

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/holonflow/agent/capability"
	"github.com/BaSui01/holonflow/internal/database"
	"github.com/BaSui01/holonflow/internal/migration"
)

func openPool(t *testing.T, dialector gorm.Dialector) *database.Pool {
	t.Helper()
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	pool, err := database.NewPool(db, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(openPool(t, sqlite.Open(":memory:")), nil)
	require.NoError(t, s.AutoMigrate(context.Background()))
	return s
}

func screwing(t *testing.T) capability.CapabilityDescription {
	t.Helper()
	torque, err := capability.NewRange("screw-props", "TorqueRange", "10", "50", capability.WithValueType("double"))
	require.NoError(t, err)
	heads, err := capability.NewList("screw-props", "HeadType", []string{"Torx", "Hex"})
	require.NoError(t, err)
	return capability.CapabilityDescription{
		Name:      "Screwing",
		Reference: "urn:cap:screwing",
		Properties: []capability.PropertyDescriptor{
			torque,
			heads,
			capability.MustValue("screw-props", "ProductId", "*"),
		},
		Constraints: &capability.ConstraintSet{
			Storage: []capability.StorageConstraint{{
				Condition:     capability.ConditionPre,
				TargetStation: "station-2",
				ProductID:     "*",
			}},
		},
		SetupDuration: 2 * time.Second,
		CycleDuration: 30 * time.Second,
		Cost:          12.5,
	}
}

func TestStore_SaveAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	desc := screwing(t)

	require.NoError(t, s.Save(ctx, "Screwer-1", desc))

	got, err := s.OfferedCapabilities(ctx, "screwer-1", "SCREWING")
	require.NoError(t, err)
	require.Len(t, got, 1)

	c := got[0]
	assert.Equal(t, "Screwing", c.Name)
	assert.Equal(t, "urn:cap:screwing", c.Reference)
	assert.Equal(t, 2*time.Second, c.SetupDuration)
	assert.Equal(t, 30*time.Second, c.CycleDuration)
	assert.Equal(t, 12.5, c.Cost)
	require.Len(t, c.Properties, 3)
	assert.Equal(t, "TorqueRange", c.Properties[0].ElementKey())
	assert.Equal(t, capability.KindRange, c.Properties[0].Kind())
	lo, hi := c.Properties[0].Bounds()
	assert.Equal(t, "10", lo)
	assert.Equal(t, "50", hi)
	assert.Equal(t, []string{"Torx", "Hex"}, c.Properties[1].Values())
	assert.True(t, c.Properties[2].IsWildcard())
	require.NotNil(t, c.Constraints.FirstStorage())
	assert.Equal(t, "station-2", c.Constraints.FirstStorage().TargetStation)

	ref, err := s.CapabilityReference(ctx, "SCREWER-1", "screwing")
	require.NoError(t, err)
	assert.Equal(t, "urn:cap:screwing", ref)
}

func TestStore_SaveReplacesAppendAdds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	desc := screwing(t)

	require.NoError(t, s.Save(ctx, "p1", desc))
	desc.Cost = 99
	require.NoError(t, s.Save(ctx, "p1", desc))

	got, err := s.OfferedCapabilities(ctx, "p1", "Screwing")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 99.0, got[0].Cost)

	var props int64
	require.NoError(t, s.pool.DB().Model(&PropertyRecord{}).Count(&props).Error)
	assert.Equal(t, int64(3), props, "replaced properties are deleted")

	require.NoError(t, s.Append(ctx, "p1", desc))
	got, err = s.OfferedCapabilities(ctx, "p1", "Screwing")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.Delete(ctx, "P1", "screwing"))
	got, err = s.OfferedCapabilities(ctx, "p1", "Screwing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStore_UnknownCapability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.OfferedCapabilities(ctx, "p1", "Drilling")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = s.CapabilityReference(ctx, "p1", "Drilling")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)
}

func TestStore_ImportDescription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d, err := capability.ParseDescription([]byte(`
provider_id: drill-1
station: station-1
capabilities:
  - name: Drilling
    reference: urn:cap:drilling
    cost: 3
    properties:
      - element_key: Diameter
        min: "2"
        max: "12"
  - name: Milling
    properties:
      - element_key: Material
        values: [Aluminium, Steel]
`))
	require.NoError(t, err)
	require.NoError(t, s.ImportDescription(ctx, d))

	names, err := s.Capabilities(ctx, "DRILL-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Drilling", "Milling"}, names)

	assert.Error(t, s.ImportDescription(ctx, &capability.Description{}))
}

func TestStore_OnMigratedSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "graph.db")
	m, err := migration.Open(database.DriverConfig{Driver: "sqlite", Name: dbPath})
	require.NoError(t, err)
	require.NoError(t, m.Up(context.Background()))
	require.NoError(t, m.Close())

	s := NewStore(openPool(t, sqlite.Open(dbPath)), nil)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "p1", screwing(t)))

	got, err := s.OfferedCapabilities(ctx, "p1", "Screwing")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Properties, 3)
}

func TestStore_QueryFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery(`SELECT \* FROM "graph_capabilities"`).WillReturnError(errors.New("connection refused"))

	s := NewStore(openPool(t, postgres.New(postgres.Config{Conn: mockDB})), nil)
	_, err = s.OfferedCapabilities(context.Background(), "p1", "Screwing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}
