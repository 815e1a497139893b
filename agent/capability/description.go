package capability

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Description is the locally held description of what a holon offers. It is
// the fallback source of offered properties when the capability store cannot
// answer.
type Description struct {
	ProviderID   string                  `yaml:"provider_id"`
	Station      string                  `yaml:"station"`
	Capabilities []CapabilityDescription `yaml:"capabilities"`
}

// CapabilityDescription describes one offered capability.
type CapabilityDescription struct {
	Name          string               `yaml:"name"`
	Reference     string               `yaml:"reference"`
	Properties    []PropertyDescriptor `yaml:"properties"`
	Constraints   *ConstraintSet       `yaml:"constraints"`
	SetupDuration time.Duration        `yaml:"setup_duration"`
	CycleDuration time.Duration        `yaml:"cycle_duration"`
	Cost          float64              `yaml:"cost"`
}

// LoadDescription reads a YAML capability description from disk.
func LoadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capability description: %w", err)
	}
	return ParseDescription(data)
}

// ParseDescription decodes a YAML capability description.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse capability description: %w", err)
	}
	for i, c := range d.Capabilities {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("capability #%d has no name", i)
		}
	}
	return &d, nil
}

// Find returns the capability with the given name (case-insensitive).
func (d *Description) Find(name string) (*CapabilityDescription, bool) {
	if d == nil {
		return nil, false
	}
	for i := range d.Capabilities {
		if strings.EqualFold(d.Capabilities[i].Name, name) {
			return &d.Capabilities[i], true
		}
	}
	return nil, false
}

// Names lists the described capability names.
func (d *Description) Names() []string {
	if d == nil {
		return nil
	}
	names := make([]string, 0, len(d.Capabilities))
	for _, c := range d.Capabilities {
		names = append(names, c.Name)
	}
	return names
}

// Container converts the description into a property container.
func (c *CapabilityDescription) Container() PropertyContainer {
	props := make([]PropertyDescriptor, len(c.Properties))
	copy(props, c.Properties)
	return PropertyContainer{
		Capability:  c.Name,
		Properties:  props,
		Constraints: c.Constraints.Clone(),
	}
}
