package security

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/google/uuid"
)

// RegistryEntry is one live directory backend together with the type it was
// built from.
type RegistryEntry struct {
	ID        uuid.UUID
	TypeID    string
	Name      string
	Directory UserDirectory
}

type registrySnapshot struct {
	byID  map[uuid.UUID]*RegistryEntry
	order []*RegistryEntry
}

// DirectoryRegistry holds the live directory backends. Lookups read an
// immutable snapshot behind an atomic pointer; Reload builds a complete
// replacement snapshot and swaps it in, so readers never observe a
// half-built registry.
type DirectoryRegistry struct {
	store    *Store
	deps     DirectoryDeps
	snapshot atomic.Pointer[registrySnapshot]
}

// NewDirectoryRegistry returns an empty registry. Call Reload to populate it.
func NewDirectoryRegistry(store *Store, deps DirectoryDeps) *DirectoryRegistry {
	r := &DirectoryRegistry{store: store, deps: deps}
	r.snapshot.Store(&registrySnapshot{byID: map[uuid.UUID]*RegistryEntry{}})
	return r
}

// Reload rebuilds the registry from the persisted directory definitions. A
// directory whose type is unknown or whose construction fails is skipped with
// a logged warning; the rest of the registry still loads.
func (r *DirectoryRegistry) Reload(ctx context.Context) error {
	dirs, err := r.store.GetDirectories(ctx)
	if err != nil {
		return err
	}

	next := &registrySnapshot{byID: make(map[uuid.UUID]*RegistryEntry, len(dirs))}
	for _, dir := range dirs {
		backend, err := NewDirectory(dir, r.deps)
		if err != nil {
			log.Printf("security: skipping directory %s (%s): %v", dir.ID, dir.Name, err)
			continue
		}
		entry := &RegistryEntry{ID: dir.ID, TypeID: dir.TypeID, Name: dir.Name, Directory: backend}
		next.byID[dir.ID] = entry
		next.order = append(next.order, entry)
	}

	r.snapshot.Store(next)
	registryDirectories.Set(float64(len(next.order)))
	log.Printf("security: loaded %d of %d user directories", len(next.order), len(dirs))
	return nil
}

// Get returns the backend for a directory id.
func (r *DirectoryRegistry) Get(id uuid.UUID) (UserDirectory, error) {
	entry, ok := r.snapshot.Load().byID[id]
	if !ok {
		return nil, ErrDirectoryNotFound
	}
	return entry.Directory, nil
}

// Entries returns the entries of the current snapshot in load order. The
// returned slice must not be modified.
func (r *DirectoryRegistry) Entries() []*RegistryEntry {
	return r.snapshot.Load().order
}

// Size returns the number of loaded directories.
func (r *DirectoryRegistry) Size() int {
	return len(r.snapshot.Load().order)
}
