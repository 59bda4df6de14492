package sentinel

import (
	"context"
	"time"

	"github.com/sl224/casparianflow/pkg/storage"
	"github.com/sl224/casparianflow/pkg/types"
)

// RoutingEntry maps one plugin to its required environment and active
// artifact
type RoutingEntry struct {
	PluginName string
	EnvHash    string
	ArtifactID string
	ManifestID int64
}

// RoutingTable is an immutable snapshot of the routing catalog. Readers
// hold a snapshot; reload swaps in a fresh table without interrupting
// in-flight dispatches.
type RoutingTable struct {
	entries  map[string]RoutingEntry
	LoadedAt time.Time
}

// Lookup resolves a plugin name
func (t *RoutingTable) Lookup(plugin string) (RoutingEntry, bool) {
	e, ok := t.entries[plugin]
	return e, ok
}

// Plugins lists the routed plugin names
func (t *RoutingTable) Plugins() []string {
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	return names
}

// loadRoutingTable rehydrates routing from the store's ACTIVE manifests
func loadRoutingTable(ctx context.Context, store storage.Store) (*RoutingTable, error) {
	manifests, err := store.ListManifests(ctx)
	if err != nil {
		return nil, err
	}
	table := &RoutingTable{
		entries:  make(map[string]RoutingEntry),
		LoadedAt: time.Now(),
	}
	for _, m := range manifests {
		if m.Status != types.ManifestActive {
			continue
		}
		if _, seen := table.entries[m.Name]; seen {
			continue // newest active manifest wins; list is newest first
		}
		table.entries[m.Name] = RoutingEntry{
			PluginName: m.Name,
			EnvHash:    m.EnvHash,
			ArtifactID: m.ArtifactID,
			ManifestID: m.ID,
		}
	}
	return table, nil
}
