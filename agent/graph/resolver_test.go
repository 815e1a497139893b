package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/holonflow/agent/capability"
)

type fakeQuery struct {
	caps []capability.CapabilityDescription
	err  error
}

func (f *fakeQuery) OfferedCapabilities(context.Context, string, string) ([]capability.CapabilityDescription, error) {
	return f.caps, f.err
}

func (f *fakeQuery) CapabilityReference(context.Context, string, string) (string, error) {
	return "", f.err
}

func localSource() *StaticSource {
	return NewStaticSource(&capability.Description{
		ProviderID: "p1",
		Capabilities: []capability.CapabilityDescription{{
			Name:       "Screwing",
			Reference:  "urn:local",
			Properties: []capability.PropertyDescriptor{capability.MustValue("c", "Torque", "21")},
		}},
	})
}

func TestResolver_PrefersStore(t *testing.T) {
	store := &fakeQuery{caps: []capability.CapabilityDescription{{Name: "Screwing", Reference: "urn:graph"}}}
	r := NewResolver(store, localSource(), DefaultFallbackPolicy(), nil)

	res, err := r.Resolve(context.Background(), "p1", "Screwing")
	require.NoError(t, err)
	assert.Equal(t, SourceGraph, res.Source)
	assert.Equal(t, "urn:graph", res.Capabilities[0].Reference)
}

func TestResolver_FallbackPolicy(t *testing.T) {
	tests := []struct {
		name    string
		store   Query
		policy  FallbackPolicy
		source  Source
		wantErr error
	}{
		{"empty falls back", &fakeQuery{}, FallbackPolicy{OnEmpty: true}, SourceLocal, nil},
		{"empty without fallback", &fakeQuery{}, FallbackPolicy{OnError: true}, "", ErrNotDescribed},
		{"error falls back", &fakeQuery{err: errors.New("down")}, FallbackPolicy{OnError: true}, SourceLocal, nil},
		{"error without fallback", &fakeQuery{err: errors.New("down")}, FallbackPolicy{OnEmpty: true}, "", ErrStoreUnavailable},
		{"no store", nil, FallbackPolicy{}, SourceLocal, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.store, localSource(), tt.policy, nil)
			res, err := r.Resolve(context.Background(), "p1", "screwing")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.source, res.Source)
			require.Len(t, res.Capabilities, 1)
			assert.Equal(t, "urn:local", res.Capabilities[0].Reference)
		})
	}
}

func TestResolver_NothingDescribes(t *testing.T) {
	r := NewResolver(&fakeQuery{}, localSource(), DefaultFallbackPolicy(), nil)
	_, err := r.Resolve(context.Background(), "p1", "Welding")
	assert.ErrorIs(t, err, ErrNotDescribed)

	_, err = NewResolver(nil, nil, DefaultFallbackPolicy(), nil).Resolve(context.Background(), "p1", "Screwing")
	assert.ErrorIs(t, err, ErrNotDescribed)
}

func TestStaticSource(t *testing.T) {
	s := localSource()
	ctx := context.Background()

	got, err := s.OfferedCapabilities(ctx, "P1", "SCREWING")
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.OfferedCapabilities(ctx, "other", "Screwing")
	require.NoError(t, err)
	assert.Empty(t, got)

	ref, err := s.CapabilityReference(ctx, "p1", "Screwing")
	require.NoError(t, err)
	assert.Equal(t, "urn:local", ref)

	_, err = s.CapabilityReference(ctx, "p1", "Welding")
	assert.ErrorIs(t, err, ErrCapabilityNotFound)

	got, err = NewStaticSource(nil).OfferedCapabilities(ctx, "p1", "Screwing")
	require.NoError(t, err)
	assert.Empty(t, got)
}
