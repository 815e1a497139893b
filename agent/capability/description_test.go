package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDescription = `
provider_id: screwer-01
station: Cell3
capabilities:
  - name: Screw
    reference: urn:cap:screw
    setup_duration: 30s
    cycle_duration: 2m
    cost: 12.5
    properties:
      - element_key: TorqueRange
        kind: Range
        min: "10"
        max: "60"
        value_type: double
      - element_key: ProductId
        kind: Value
        value: "*"
    constraints:
      storage:
        - condition: pre
          target_station: Cell3
          product_id: "*"
`

func TestParseDescription(t *testing.T) {
	d, err := ParseDescription([]byte(sampleDescription))
	require.NoError(t, err)

	assert.Equal(t, "screwer-01", d.ProviderID)
	assert.Equal(t, []string{"Screw"}, d.Names())

	c, ok := d.Find("screw")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, c.SetupDuration)
	assert.Equal(t, 2*time.Minute, c.CycleDuration)
	require.Len(t, c.Properties, 2)
	assert.Equal(t, KindRange, c.Properties[0].Kind())
	assert.True(t, c.Properties[1].IsWildcard())

	container := c.Container()
	require.NotNil(t, container.Constraints)
	container.Constraints.Storage[0].ProductID = "P-7"
	assert.Equal(t, "*", c.Constraints.Storage[0].ProductID)
}

func TestParseDescription_MissingName(t *testing.T) {
	_, err := ParseDescription([]byte("capabilities:\n  - cost: 1\n"))
	assert.Error(t, err)
}

func TestLoadDescription(t *testing.T) {
	path := filepath.Join(t.TempDir(), "caps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDescription), 0o600))

	d, err := LoadDescription(path)
	require.NoError(t, err)
	assert.Equal(t, "Cell3", d.Station)

	_, err = LoadDescription(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
