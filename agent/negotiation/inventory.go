package negotiation

import (
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// InventorySource reports the holon's own storage state. The device
// integration implements it; the announcer polls it on every heartbeat.
type InventorySource interface {
	Snapshot(ctx context.Context) (InventorySnapshot, error)
}

// InventorySourceFunc adapts a function to InventorySource.
type InventorySourceFunc func(ctx context.Context) (InventorySnapshot, error)

// Snapshot implements InventorySource.
func (f InventorySourceFunc) Snapshot(ctx context.Context) (InventorySnapshot, error) {
	return f(ctx)
}

// FileInventory reads the snapshot from a YAML file kept current by a device
// bridge. The file is re-read on every call.
//
//	station: Cell1
//	free: 3
//	occupied: 1
//	slots:
//	  - slot_id: A1
//	    product_id: P-100
type FileInventory struct {
	Path string
}

type inventoryFile struct {
	Station  string `yaml:"station"`
	Free     int    `yaml:"free"`
	Occupied int    `yaml:"occupied"`
	Slots    []struct {
		SlotID    string `yaml:"slot_id"`
		ProductID string `yaml:"product_id"`
	} `yaml:"slots"`
}

// Snapshot implements InventorySource.
func (f FileInventory) Snapshot(ctx context.Context) (InventorySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return InventorySnapshot{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return InventorySnapshot{}, fmt.Errorf("read inventory file: %w", err)
	}
	var raw inventoryFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return InventorySnapshot{}, fmt.Errorf("parse inventory file %s: %w", f.Path, err)
	}
	if raw.Free < 0 || raw.Occupied < 0 {
		return InventorySnapshot{}, fmt.Errorf("inventory file %s: counters must be non-negative", f.Path)
	}
	snap := InventorySnapshot{Station: raw.Station, Free: raw.Free, Occupied: raw.Occupied}
	for _, s := range raw.Slots {
		snap.Slots = append(snap.Slots, InventorySlot{SlotID: s.SlotID, ProductID: s.ProductID})
	}
	return snap, nil
}

func sameSnapshot(a, b InventorySnapshot) bool {
	return a.Station == b.Station && a.Free == b.Free && a.Occupied == b.Occupied && slices.Equal(a.Slots, b.Slots)
}
