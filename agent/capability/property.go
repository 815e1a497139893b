package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Wildcard is the literal value that matches any counterpart.
const Wildcard = "*"

// PropertyKind is the shape of a property constraint.
type PropertyKind string

const (
	KindValue PropertyKind = "Value"
	KindRange PropertyKind = "Range"
	KindList  PropertyKind = "List"
)

// genericSuffixes are wrapper words stripped from element keys before comparison.
var genericSuffixes = []string{"container", "range", "list", "fixed"}

var numericTypes = map[string]bool{
	"double": true, "float": true, "decimal": true, "int": true, "integer": true,
	"long": true, "short": true, "byte": true, "number": true,
	"unsignedint": true, "unsignedlong": true, "unsignedshort": true,
}

// ErrInvalidDescriptor is returned when a descriptor spec cannot be built.
var ErrInvalidDescriptor = errors.New("invalid property descriptor")

// PropertyDescriptor is one typed constraint attached to a capability.
// It is immutable; use the constructors or NewDescriptor.
type PropertyDescriptor struct {
	containerID string
	rawKey      string
	key         string
	semanticID  string
	kind        PropertyKind
	valueType   string
	comment     string

	value  string
	min    string
	max    string
	values []string

	wildcard bool
}

// DescriptorSpec is the wire form of a PropertyDescriptor.
type DescriptorSpec struct {
	ContainerID string       `json:"containerId,omitempty" yaml:"container_id"`
	ElementKey  string       `json:"elementKey" yaml:"element_key"`
	SemanticID  string       `json:"semanticId,omitempty" yaml:"semantic_id"`
	Kind        PropertyKind `json:"kind" yaml:"kind"`
	ValueType   string       `json:"valueType,omitempty" yaml:"value_type"`
	Comment     string       `json:"comment,omitempty" yaml:"comment"`
	Value       string       `json:"value,omitempty" yaml:"value"`
	Min         string       `json:"min,omitempty" yaml:"min"`
	Max         string       `json:"max,omitempty" yaml:"max"`
	Values      []string     `json:"values,omitempty" yaml:"values"`
}

// Option customizes a descriptor built by NewValue, NewRange or NewList.
type Option func(*DescriptorSpec)

// WithSemanticID sets the semantic id.
func WithSemanticID(id string) Option {
	return func(s *DescriptorSpec) { s.SemanticID = id }
}

// WithValueType sets the declared value type (e.g. "double", "string").
func WithValueType(t string) Option {
	return func(s *DescriptorSpec) { s.ValueType = t }
}

// WithComment attaches a free-text comment that feeds the identity text.
func WithComment(c string) Option {
	return func(s *DescriptorSpec) { s.Comment = c }
}

// NewValue builds a single-value descriptor.
func NewValue(containerID, elementKey, value string, opts ...Option) (PropertyDescriptor, error) {
	spec := DescriptorSpec{ContainerID: containerID, ElementKey: elementKey, Kind: KindValue, Value: value}
	for _, o := range opts {
		o(&spec)
	}
	return NewDescriptor(spec)
}

// NewRange builds a range descriptor. An empty bound is open.
func NewRange(containerID, elementKey, min, max string, opts ...Option) (PropertyDescriptor, error) {
	spec := DescriptorSpec{ContainerID: containerID, ElementKey: elementKey, Kind: KindRange, Min: min, Max: max}
	for _, o := range opts {
		o(&spec)
	}
	return NewDescriptor(spec)
}

// NewList builds a list descriptor.
func NewList(containerID, elementKey string, values []string, opts ...Option) (PropertyDescriptor, error) {
	spec := DescriptorSpec{ContainerID: containerID, ElementKey: elementKey, Kind: KindList, Values: values}
	for _, o := range opts {
		o(&spec)
	}
	return NewDescriptor(spec)
}

// MustValue is NewValue that panics on error. Intended for fixtures.
func MustValue(containerID, elementKey, value string, opts ...Option) PropertyDescriptor {
	d, err := NewValue(containerID, elementKey, value, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// NewDescriptor validates a spec and builds the immutable descriptor.
func NewDescriptor(spec DescriptorSpec) (PropertyDescriptor, error) {
	key := NormalizeKey(spec.ElementKey)
	if key == "" && strings.TrimSpace(spec.SemanticID) == "" {
		return PropertyDescriptor{}, fmt.Errorf("%w: element key and semantic id are both empty", ErrInvalidDescriptor)
	}

	kind := spec.Kind
	if kind == "" {
		kind = inferKind(spec)
	}

	d := PropertyDescriptor{
		containerID: spec.ContainerID,
		rawKey:      strings.TrimSpace(spec.ElementKey),
		key:         key,
		semanticID:  strings.TrimSpace(spec.SemanticID),
		kind:        kind,
		valueType:   strings.TrimSpace(spec.ValueType),
		comment:     spec.Comment,
	}

	switch kind {
	case KindValue:
		d.value = strings.TrimSpace(spec.Value)
		d.wildcard = d.value == Wildcard
	case KindRange:
		d.min = strings.TrimSpace(spec.Min)
		d.max = strings.TrimSpace(spec.Max)
		d.wildcard = d.min == Wildcard || d.max == Wildcard
		if !d.wildcard {
			if d.min != "" {
				if _, err := strconv.ParseFloat(d.min, 64); err != nil {
					return PropertyDescriptor{}, fmt.Errorf("%w: range %s has non-numeric min %q", ErrInvalidDescriptor, d.rawKey, d.min)
				}
			}
			if d.max != "" {
				if _, err := strconv.ParseFloat(d.max, 64); err != nil {
					return PropertyDescriptor{}, fmt.Errorf("%w: range %s has non-numeric max %q", ErrInvalidDescriptor, d.rawKey, d.max)
				}
			}
		}
	case KindList:
		d.values = make([]string, 0, len(spec.Values))
		for _, v := range spec.Values {
			v = strings.TrimSpace(v)
			if v == Wildcard {
				d.wildcard = true
			}
			d.values = append(d.values, v)
		}
	default:
		return PropertyDescriptor{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDescriptor, kind)
	}

	return d, nil
}

func inferKind(spec DescriptorSpec) PropertyKind {
	switch {
	case len(spec.Values) > 0:
		return KindList
	case spec.Min != "" || spec.Max != "":
		return KindRange
	default:
		return KindValue
	}
}

// NormalizeKey strips generic wrapper suffixes and lowercases the key.
// "TorqueRange", "torque_range" and "torqueContainer" normalize to "torque";
// a suffix is only a word when it starts at a case change or a separator,
// so "Orange" stays "orange".
func NormalizeKey(key string) string {
	k := strings.TrimSpace(key)
	for {
		stripped := false
		for _, suffix := range genericSuffixes {
			if cut, ok := trimWordSuffix(k, suffix); ok {
				k = cut
				stripped = true
			}
		}
		if !stripped {
			return strings.ToLower(k)
		}
	}
}

// trimWordSuffix removes suffix (case-insensitive) from k when it begins a new
// word of the raw key and something remains in front of it.
func trimWordSuffix(k, suffix string) (string, bool) {
	i := len(k) - len(suffix)
	if i <= 0 || !strings.EqualFold(k[i:], suffix) {
		return k, false
	}
	prev, _ := utf8.DecodeLastRuneInString(k[:i])
	first, _ := utf8.DecodeRuneInString(k[i:])
	separated := prev == '_' || prev == '-' || prev == ' '
	camel := unicode.IsUpper(first) && (unicode.IsLower(prev) || unicode.IsDigit(prev))
	if !separated && !camel {
		return k, false
	}
	cut := strings.TrimRight(k[:i], "_- ")
	if cut == "" {
		return k, false
	}
	return cut, true
}

func (d PropertyDescriptor) ContainerID() string { return d.containerID }

// ElementKey returns the key as it was declared.
func (d PropertyDescriptor) ElementKey() string { return d.rawKey }

// Key returns the normalized element key.
func (d PropertyDescriptor) Key() string { return d.key }

func (d PropertyDescriptor) SemanticID() string { return d.semanticID }
func (d PropertyDescriptor) Kind() PropertyKind { return d.kind }
func (d PropertyDescriptor) ValueType() string  { return d.valueType }
func (d PropertyDescriptor) Comment() string    { return d.comment }
func (d PropertyDescriptor) Value() string      { return d.value }
func (d PropertyDescriptor) IsWildcard() bool   { return d.wildcard }

// Bounds returns the range bounds; an empty string is an open bound.
func (d PropertyDescriptor) Bounds() (min, max string) { return d.min, d.max }

// Values returns a copy of the list payload.
func (d PropertyDescriptor) Values() []string {
	out := make([]string, len(d.values))
	copy(out, d.values)
	return out
}

// IsNumeric reports whether the declared value type is numeric.
func (d PropertyDescriptor) IsNumeric() bool {
	return numericTypes[strings.ToLower(strings.TrimPrefix(d.valueType, "xs:"))]
}

// IdentityText is the text embedded for similarity matching.
func (d PropertyDescriptor) IdentityText() string {
	return strings.Join([]string{d.rawKey, d.semanticID, d.valueType, d.comment}, " | ")
}

// Payload renders the kind-specific payload for diagnostics.
func (d PropertyDescriptor) Payload() string {
	switch d.kind {
	case KindRange:
		return fmt.Sprintf("[%s..%s]", openOr(d.min, "-inf"), openOr(d.max, "+inf"))
	case KindList:
		return "{" + strings.Join(d.values, ", ") + "}"
	default:
		return d.value
	}
}

func (d PropertyDescriptor) String() string {
	return fmt.Sprintf("%s(%s %s)", d.rawKey, d.kind, d.Payload())
}

// Spec converts the descriptor back to its wire form.
func (d PropertyDescriptor) Spec() DescriptorSpec {
	return DescriptorSpec{
		ContainerID: d.containerID,
		ElementKey:  d.rawKey,
		SemanticID:  d.semanticID,
		Kind:        d.kind,
		ValueType:   d.valueType,
		Comment:     d.comment,
		Value:       d.value,
		Min:         d.min,
		Max:         d.max,
		Values:      d.Values(),
	}
}

// MarshalJSON encodes the descriptor as a DescriptorSpec.
func (d PropertyDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Spec())
}

// UnmarshalJSON decodes and validates a DescriptorSpec.
func (d *PropertyDescriptor) UnmarshalJSON(data []byte) error {
	var spec DescriptorSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return err
	}
	built, err := NewDescriptor(spec)
	if err != nil {
		return err
	}
	*d = built
	return nil
}

// UnmarshalYAML decodes a descriptor from a YAML node.
func (d *PropertyDescriptor) UnmarshalYAML(node *yaml.Node) error {
	var spec DescriptorSpec
	if err := node.Decode(&spec); err != nil {
		return err
	}
	built, err := NewDescriptor(spec)
	if err != nil {
		return err
	}
	*d = built
	return nil
}

func openOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
