// Package discovery keeps the dispatcher's view of the provider fleet.
//
// Providers announce themselves with registration and heartbeat messages
// carrying their capability names, and periodically report storage
// inventory. CapabilityRegistry stores one ProviderRecord per provider and an
// inverted index from capability name to provider ids, both case-insensitive.
//
// # Basic Usage
//
//	reg := discovery.NewCapabilityRegistry(discovery.DefaultRegistryConfig(), nil, logger)
//	_ = reg.Upsert(ctx, discovery.ProviderRecord{
//	    ProviderID:   "drill-01",
//	    Capabilities: []string{"Drilling"},
//	})
//	ids := reg.FindProviders(ctx, "drilling") // ["drill-01"]
//
// # Pruning
//
// Pruner runs PruneStale on a ticker and drops providers that stayed silent
// longer than the configured stale timeout. The dispatcher's own id is
// excluded.
package discovery
