package capability

import (
	"strings"
)

// Placement tags where a transport leg sits relative to the primary capability.
type Placement string

const (
	PlacementNone   Placement = ""
	PlacementBefore Placement = "before"
	PlacementAfter  Placement = "after"
)

// Tag returns the short pre/post label used on nested offers.
func (p Placement) Tag() string {
	switch p {
	case PlacementBefore:
		return "pre"
	case PlacementAfter:
		return "post"
	default:
		return ""
	}
}

// ConditionKind distinguishes pre- from post-conditions.
type ConditionKind string

const (
	ConditionPre  ConditionKind = "pre"
	ConditionPost ConditionKind = "post"
)

// StorageConstraint is a storage/location precondition: the product must be
// at (pre) or end up at (post) the target station.
type StorageConstraint struct {
	Condition     ConditionKind `json:"condition" yaml:"condition"`
	TargetStation string        `json:"targetStation" yaml:"target_station"`
	SourceStation string        `json:"sourceStation,omitempty" yaml:"source_station"`
	ProductID     string        `json:"productId" yaml:"product_id"`
}

// HasWildcardProduct reports whether the product id is still a placeholder.
func (s StorageConstraint) HasWildcardProduct() bool {
	p := strings.TrimSpace(s.ProductID)
	return p == "" || p == Wildcard
}

// Placement maps the condition to a transport leg placement. A precondition
// needs the product delivered before the capability runs.
func (s StorageConstraint) Placement() Placement {
	if s.Condition == ConditionPost {
		return PlacementAfter
	}
	return PlacementBefore
}

// ConstraintSet carries the pre/post conditions of a capability.
type ConstraintSet struct {
	Storage []StorageConstraint `json:"storage,omitempty" yaml:"storage"`
	Other   map[string]string   `json:"other,omitempty" yaml:"other"`
}

// IsEmpty reports whether no constraint is set.
func (c *ConstraintSet) IsEmpty() bool {
	return c == nil || (len(c.Storage) == 0 && len(c.Other) == 0)
}

// FirstStorage returns the first storage constraint naming a target station.
// The returned pointer aliases the set so callers may resolve it in place.
func (c *ConstraintSet) FirstStorage() *StorageConstraint {
	if c == nil {
		return nil
	}
	for i := range c.Storage {
		if strings.TrimSpace(c.Storage[i].TargetStation) != "" {
			return &c.Storage[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *ConstraintSet) Clone() *ConstraintSet {
	if c == nil {
		return nil
	}
	out := &ConstraintSet{}
	if len(c.Storage) > 0 {
		out.Storage = make([]StorageConstraint, len(c.Storage))
		copy(out.Storage, c.Storage)
	}
	if len(c.Other) > 0 {
		out.Other = make(map[string]string, len(c.Other))
		for k, v := range c.Other {
			out.Other[k] = v
		}
	}
	return out
}

// PropertyContainer groups the properties and constraints of one capability.
type PropertyContainer struct {
	Capability  string               `json:"capability" yaml:"capability"`
	Properties  []PropertyDescriptor `json:"properties,omitempty" yaml:"properties"`
	Constraints *ConstraintSet       `json:"constraints,omitempty" yaml:"constraints"`
}

// TransportRequirement is one transport leg requested around a capability.
type TransportRequirement struct {
	RequirementID string    `json:"requirementId,omitempty"`
	ProductID     string    `json:"productId"`
	SourceStation string    `json:"sourceStation,omitempty"`
	TargetStation string    `json:"targetStation"`
	Placement     Placement `json:"placement"`
}

// TransportFromStorage derives the legacy single transport requirement from a
// storage constraint.
func TransportFromStorage(s StorageConstraint) TransportRequirement {
	return TransportRequirement{
		ProductID:     s.ProductID,
		SourceStation: s.SourceStation,
		TargetStation: s.TargetStation,
		Placement:     s.Placement(),
	}
}

// CapabilityRequirement is one step of a process chain.
type CapabilityRequirement struct {
	Capability    string                 `json:"capability"`
	RequirementID string                 `json:"requirementId"`
	Properties    []PropertyDescriptor   `json:"properties,omitempty"`
	Constraints   *ConstraintSet         `json:"constraints,omitempty"`
	Transport     []TransportRequirement `json:"transport,omitempty"`
	Placement     Placement              `json:"placement,omitempty"`
}
