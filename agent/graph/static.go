package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/holonflow/agent/capability"
)

// StaticSource answers queries from a local capability description.
type StaticSource struct {
	desc *capability.Description
}

// NewStaticSource wraps a local description. A nil description answers nothing.
func NewStaticSource(desc *capability.Description) *StaticSource {
	return &StaticSource{desc: desc}
}

func (s *StaticSource) owns(providerID string) bool {
	if s.desc == nil {
		return false
	}
	return s.desc.ProviderID == "" || strings.EqualFold(s.desc.ProviderID, providerID)
}

// OfferedCapabilities implements Query.
func (s *StaticSource) OfferedCapabilities(_ context.Context, providerID, name string) ([]capability.CapabilityDescription, error) {
	if !s.owns(providerID) {
		return nil, nil
	}
	var out []capability.CapabilityDescription
	for _, c := range s.desc.Capabilities {
		if strings.EqualFold(c.Name, name) {
			cp := c
			cp.Properties = append([]capability.PropertyDescriptor(nil), c.Properties...)
			cp.Constraints = c.Constraints.Clone()
			out = append(out, cp)
		}
	}
	return out, nil
}

// CapabilityReference implements Query.
func (s *StaticSource) CapabilityReference(_ context.Context, providerID, name string) (string, error) {
	if s.owns(providerID) {
		if c, ok := s.desc.Find(name); ok {
			return c.Reference, nil
		}
	}
	return "", fmt.Errorf("%w: %s/%s", ErrCapabilityNotFound, providerID, name)
}

var _ Query = (*StaticSource)(nil)
