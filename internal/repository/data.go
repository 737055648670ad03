package repository

import (
	"fmt"
	"slices"
	"sort"
)

// EmptyRepoGen is the generation of a repository that has no ledger blob yet.
const EmptyRepoGen int64 = -1

// RepositoryData is an immutable view of a repository ledger at one
// generation. Every transition returns a new value and leaves the receiver
// untouched, so a loaded value can be shared freely between goroutines.
type RepositoryData struct {
	generation     int64
	snapshotIDs    []SnapshotID
	indices        map[string]IndexID
	indexSnapshots map[IndexID][]SnapshotID
	incompatible   []SnapshotID
}

// Empty returns the ledger of a repository with no snapshots.
func Empty() *RepositoryData {
	return New(EmptyRepoGen, nil, nil, nil)
}

// New builds a ledger from its parts. The inputs are copied. The name to
// index mapping is derived from indexSnapshots.
func New(generation int64, snapshotIDs []SnapshotID, indexSnapshots map[IndexID][]SnapshotID, incompatible []SnapshotID) *RepositoryData {
	is := make(map[IndexID][]SnapshotID, len(indexSnapshots))
	for id, snaps := range indexSnapshots {
		is[id] = slices.Clone(snaps)
	}
	return build(generation, slices.Clone(snapshotIDs), is, slices.Clone(incompatible))
}

// build takes ownership of its arguments. Index names must be unique
// across indexSnapshots; AddSnapshot refuses input that breaks this and
// Validate reports ledgers built with New that do.
func build(generation int64, snapshotIDs []SnapshotID, indexSnapshots map[IndexID][]SnapshotID, incompatible []SnapshotID) *RepositoryData {
	indices := make(map[string]IndexID, len(indexSnapshots))
	for id := range indexSnapshots {
		indices[id.Name] = id
	}
	return &RepositoryData{
		generation:     generation,
		snapshotIDs:    snapshotIDs,
		indices:        indices,
		indexSnapshots: indexSnapshots,
		incompatible:   incompatible,
	}
}

// Generation is the generation of the blob this ledger was read from.
func (d *RepositoryData) Generation() int64 {
	return d.generation
}

// WithGeneration returns the same ledger stamped with generation.
func (d *RepositoryData) WithGeneration(generation int64) *RepositoryData {
	cp := *d
	cp.generation = generation
	return &cp
}

// SnapshotIDs lists the active snapshots in the order they were added.
func (d *RepositoryData) SnapshotIDs() []SnapshotID {
	return slices.Clone(d.snapshotIDs)
}

// IncompatibleSnapshotIDs lists snapshots this version can no longer read.
func (d *RepositoryData) IncompatibleSnapshotIDs() []SnapshotID {
	return slices.Clone(d.incompatible)
}

// AllSnapshotIDs lists active snapshots followed by incompatible ones.
func (d *RepositoryData) AllSnapshotIDs() []SnapshotID {
	all := make([]SnapshotID, 0, len(d.snapshotIDs)+len(d.incompatible))
	all = append(all, d.snapshotIDs...)
	return append(all, d.incompatible...)
}

// Indices maps index names to their ids in this repository.
func (d *RepositoryData) Indices() map[string]IndexID {
	out := make(map[string]IndexID, len(d.indices))
	for name, id := range d.indices {
		out[name] = id
	}
	return out
}

// IndexNames returns the index names, sorted.
func (d *RepositoryData) IndexNames() []string {
	names := make([]string, 0, len(d.indices))
	for name := range d.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots lists the snapshots containing index.
func (d *RepositoryData) Snapshots(index IndexID) ([]SnapshotID, error) {
	snaps, ok := d.indexSnapshots[index]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrUnknownIndex, index)
	}
	return slices.Clone(snaps), nil
}

// HasSnapshot reports whether id is an active or incompatible snapshot.
func (d *RepositoryData) HasSnapshot(id SnapshotID) bool {
	return slices.Contains(d.snapshotIDs, id) || slices.Contains(d.incompatible, id)
}

// SnapshotByName finds a snapshot, active or incompatible, by name.
func (d *RepositoryData) SnapshotByName(name string) (SnapshotID, bool) {
	for _, list := range [][]SnapshotID{d.snapshotIDs, d.incompatible} {
		for _, id := range list {
			if id.Name == name {
				return id, true
			}
		}
	}
	return SnapshotID{}, false
}

// AddSnapshot records a snapshot and the indices it contains. Adding a
// snapshot that is already present returns the receiver unchanged, so a
// retried finalization is a no-op. An index name that would end up with two
// ids fails with ErrDuplicateIndex.
func (d *RepositoryData) AddSnapshot(id SnapshotID, indices []IndexID) (*RepositoryData, error) {
	if slices.Contains(d.snapshotIDs, id) {
		return d, nil
	}
	byName := make(map[string]IndexID, len(indices))
	for _, index := range indices {
		known, ok := d.indices[index.Name]
		if !ok {
			known, ok = byName[index.Name]
		}
		if ok && known != index {
			return nil, fmt.Errorf("add snapshot %s: index [%s] has ids %s and %s: %w",
				id, index.Name, known.ID, index.ID, ErrDuplicateIndex)
		}
		byName[index.Name] = index
	}
	snapshots := append(slices.Clone(d.snapshotIDs), id)

	indexSnapshots := make(map[IndexID][]SnapshotID, len(d.indexSnapshots)+len(indices))
	for index, snaps := range d.indexSnapshots {
		indexSnapshots[index] = snaps
	}
	for _, index := range indices {
		snaps := indexSnapshots[index]
		if slices.Contains(snaps, id) {
			continue
		}
		// Clone before appending; the old slice is shared with the receiver.
		indexSnapshots[index] = append(slices.Clone(snaps), id)
	}
	return build(d.generation, snapshots, indexSnapshots, d.incompatible), nil
}

// RemoveSnapshot drops a snapshot. Indices referenced by no other snapshot
// are dropped with it. Removing an unknown snapshot fails with
// ErrSnapshotNotFound.
func (d *RepositoryData) RemoveSnapshot(id SnapshotID) (*RepositoryData, error) {
	active := slices.Contains(d.snapshotIDs, id)
	incompatible := slices.Contains(d.incompatible, id)
	if !active && !incompatible {
		return nil, fmt.Errorf("remove snapshot %s: %w", id, ErrSnapshotNotFound)
	}

	snapshots := slices.DeleteFunc(slices.Clone(d.snapshotIDs), func(s SnapshotID) bool { return s == id })
	incompat := slices.DeleteFunc(slices.Clone(d.incompatible), func(s SnapshotID) bool { return s == id })

	indexSnapshots := make(map[IndexID][]SnapshotID, len(d.indexSnapshots))
	for _, index := range d.indices {
		snaps, ok := d.indexSnapshots[index]
		if !ok {
			return nil, &InvariantError{Msg: fmt.Sprintf("index %s has no snapshot set", index)}
		}
		if !slices.Contains(snaps, id) {
			indexSnapshots[index] = snaps
			continue
		}
		if len(snaps) == 1 {
			continue
		}
		indexSnapshots[index] = slices.DeleteFunc(slices.Clone(snaps), func(s SnapshotID) bool { return s == id })
	}
	return build(d.generation, snapshots, indexSnapshots, incompat), nil
}

// AddIncompatibleSnapshots moves ids from the active list, where present,
// to the end of the incompatible list. Callers must not pass ids that are
// already incompatible.
func (d *RepositoryData) AddIncompatibleSnapshots(ids []SnapshotID) *RepositoryData {
	snapshots := slices.Clone(d.snapshotIDs)
	incompat := slices.Clone(d.incompatible)
	for _, id := range ids {
		if i := slices.Index(snapshots, id); i >= 0 {
			snapshots = slices.Delete(snapshots, i, i+1)
		}
		incompat = append(incompat, id)
	}
	return build(d.generation, snapshots, d.indexSnapshots, incompat)
}

// InitIndices replaces the index to snapshot mapping.
func (d *RepositoryData) InitIndices(indexSnapshots map[IndexID][]SnapshotID) *RepositoryData {
	is := make(map[IndexID][]SnapshotID, len(indexSnapshots))
	for id, snaps := range indexSnapshots {
		is[id] = slices.Clone(snaps)
	}
	return build(d.generation, d.snapshotIDs, is, d.incompatible)
}

// ResolveIndexID returns the id of the named index. Repositories written
// before indices had their own ids use the index name as the id, so an
// unknown name resolves to IndexID{name, name}.
func (d *RepositoryData) ResolveIndexID(name string) IndexID {
	if id, ok := d.indices[name]; ok {
		return id
	}
	return IndexID{Name: name, ID: name}
}

// ResolveIndices resolves each name with ResolveIndexID.
func (d *RepositoryData) ResolveIndices(names []string) []IndexID {
	out := make([]IndexID, 0, len(names))
	for _, name := range names {
		out = append(out, d.ResolveIndexID(name))
	}
	return out
}

// ResolveNewIndices resolves known names and mints a fresh random id for
// every name the repository has not seen. A repeated new name gets the same
// id each time.
func (d *RepositoryData) ResolveNewIndices(names []string) []IndexID {
	out := make([]IndexID, 0, len(names))
	minted := make(map[string]IndexID)
	for _, name := range names {
		if id, ok := d.indices[name]; ok {
			out = append(out, id)
			continue
		}
		id, ok := minted[name]
		if !ok {
			id = IndexID{Name: name, ID: randomBase64UUID()}
			minted[name] = id
		}
		out = append(out, id)
	}
	return out
}

// Validate checks the structural invariants: every index is referenced by
// at least one snapshot, index names are unique, and no snapshot is both
// active and incompatible.
func (d *RepositoryData) Validate() error {
	if len(d.indices) != len(d.indexSnapshots) {
		return &InvariantError{Msg: "two index ids share a name"}
	}
	for index, snaps := range d.indexSnapshots {
		if len(snaps) == 0 {
			return &InvariantError{Msg: fmt.Sprintf("index %s is referenced by no snapshot", index)}
		}
	}
	for _, id := range d.incompatible {
		if slices.Contains(d.snapshotIDs, id) {
			return &InvariantError{Msg: fmt.Sprintf("snapshot %s is both active and incompatible", id)}
		}
	}
	return nil
}

// Equal compares two ledgers ignoring their generation. Snapshot lists are
// compared in order; the snapshots of an index are compared as a set.
func (d *RepositoryData) Equal(other *RepositoryData) bool {
	if d == other {
		return true
	}
	if other == nil || d == nil {
		return false
	}
	if !slices.Equal(d.snapshotIDs, other.snapshotIDs) || !slices.Equal(d.incompatible, other.incompatible) {
		return false
	}
	if len(d.indexSnapshots) != len(other.indexSnapshots) {
		return false
	}
	for index, snaps := range d.indexSnapshots {
		theirs, ok := other.indexSnapshots[index]
		if !ok || !sameSet(snaps, theirs) {
			return false
		}
	}
	return true
}

func sameSet(a, b []SnapshotID) bool {
	if len(a) != len(b) {
		return false
	}
	for _, id := range a {
		if !slices.Contains(b, id) {
			return false
		}
	}
	return true
}
