package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/holonflow/agent/capability"
)

// CapabilityRecord is one offered capability of a provider.
type CapabilityRecord struct {
	ID          uint             `gorm:"primaryKey"`
	ProviderID  string           `gorm:"column:provider_id;size:255;not null;index:idx_graph_capabilities_provider_name,priority:1"`
	Name        string           `gorm:"column:name;size:255;not null;index:idx_graph_capabilities_provider_name,priority:2"`
	Reference   string           `gorm:"column:reference;size:512;not null;default:''"`
	Constraints string           `gorm:"column:constraints_json;type:text;not null;default:''"`
	SetupMillis int64            `gorm:"column:setup_millis;not null;default:0"`
	CycleMillis int64            `gorm:"column:cycle_millis;not null;default:0"`
	Cost        float64          `gorm:"column:cost;not null;default:0"`
	Properties  []PropertyRecord `gorm:"foreignKey:CapabilityID;constraint:OnDelete:CASCADE"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName implements gorm's tabler.
func (CapabilityRecord) TableName() string { return "graph_capabilities" }

// PropertyRecord is one offered property descriptor.
type PropertyRecord struct {
	ID           uint   `gorm:"primaryKey"`
	CapabilityID uint   `gorm:"column:capability_id;not null;index:idx_graph_properties_capability"`
	Ordinal      int    `gorm:"column:ordinal;not null;default:0"`
	ContainerID  string `gorm:"column:container_id;size:255;not null;default:''"`
	ElementKey   string `gorm:"column:element_key;size:255;not null"`
	SemanticID   string `gorm:"column:semantic_id;size:512;not null;default:''"`
	Kind         string `gorm:"column:kind;size:16;not null"`
	ValueType    string `gorm:"column:value_type;size:64;not null;default:''"`
	Comment      string `gorm:"column:comment_text;type:text;not null;default:''"`
	FixedValue   string `gorm:"column:fixed_value;size:255;not null;default:''"`
	MinValue     string `gorm:"column:min_value;size:64;not null;default:''"`
	MaxValue     string `gorm:"column:max_value;size:64;not null;default:''"`
	ListValues   string `gorm:"column:list_values;type:text;not null;default:''"`
}

// TableName implements gorm's tabler.
func (PropertyRecord) TableName() string { return "graph_properties" }

func toRecord(providerID string, desc capability.CapabilityDescription) (*CapabilityRecord, error) {
	rec := &CapabilityRecord{
		ProviderID:  providerID,
		Name:        desc.Name,
		Reference:   desc.Reference,
		SetupMillis: desc.SetupDuration.Milliseconds(),
		CycleMillis: desc.CycleDuration.Milliseconds(),
		Cost:        desc.Cost,
	}
	if !desc.Constraints.IsEmpty() {
		data, err := json.Marshal(desc.Constraints)
		if err != nil {
			return nil, fmt.Errorf("encode constraints of %s: %w", desc.Name, err)
		}
		rec.Constraints = string(data)
	}

	rec.Properties = make([]PropertyRecord, 0, len(desc.Properties))
	for i, p := range desc.Properties {
		spec := p.Spec()
		pr := PropertyRecord{
			Ordinal:     i,
			ContainerID: spec.ContainerID,
			ElementKey:  spec.ElementKey,
			SemanticID:  spec.SemanticID,
			Kind:        string(spec.Kind),
			ValueType:   spec.ValueType,
			Comment:     spec.Comment,
			FixedValue:  spec.Value,
			MinValue:    spec.Min,
			MaxValue:    spec.Max,
		}
		if len(spec.Values) > 0 {
			data, err := json.Marshal(spec.Values)
			if err != nil {
				return nil, fmt.Errorf("encode list values of %s: %w", spec.ElementKey, err)
			}
			pr.ListValues = string(data)
		}
		rec.Properties = append(rec.Properties, pr)
	}
	return rec, nil
}

func fromRecord(rec *CapabilityRecord) (capability.CapabilityDescription, error) {
	desc := capability.CapabilityDescription{
		Name:          rec.Name,
		Reference:     rec.Reference,
		SetupDuration: time.Duration(rec.SetupMillis) * time.Millisecond,
		CycleDuration: time.Duration(rec.CycleMillis) * time.Millisecond,
		Cost:          rec.Cost,
	}
	if rec.Constraints != "" {
		var cs capability.ConstraintSet
		if err := json.Unmarshal([]byte(rec.Constraints), &cs); err != nil {
			return desc, fmt.Errorf("decode constraints of %s: %w", rec.Name, err)
		}
		desc.Constraints = &cs
	}

	desc.Properties = make([]capability.PropertyDescriptor, 0, len(rec.Properties))
	for _, pr := range rec.Properties {
		spec := capability.DescriptorSpec{
			ContainerID: pr.ContainerID,
			ElementKey:  pr.ElementKey,
			SemanticID:  pr.SemanticID,
			Kind:        capability.PropertyKind(pr.Kind),
			ValueType:   pr.ValueType,
			Comment:     pr.Comment,
			Value:       pr.FixedValue,
			Min:         pr.MinValue,
			Max:         pr.MaxValue,
		}
		if pr.ListValues != "" {
			if err := json.Unmarshal([]byte(pr.ListValues), &spec.Values); err != nil {
				return desc, fmt.Errorf("decode list values of %s: %w", pr.ElementKey, err)
			}
		}
		d, err := capability.NewDescriptor(spec)
		if err != nil {
			return desc, fmt.Errorf("property %s of %s: %w", pr.ElementKey, rec.Name, err)
		}
		desc.Properties = append(desc.Properties, d)
	}
	return desc, nil
}
