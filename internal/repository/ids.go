// Package repository keeps the snapshot ledger of a repository: which
// snapshots exist and which indices each of them contains, versioned by a
// generation number.
package repository

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SnapshotID names a snapshot. UUID disambiguates snapshots that reuse a name.
type SnapshotID struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// NewSnapshotID returns an id for name with a fresh random UUID.
func NewSnapshotID(name string) SnapshotID {
	return SnapshotID{Name: name, UUID: randomBase64UUID()}
}

func (s SnapshotID) String() string {
	return s.Name + "/" + s.UUID
}

// UnmarshalJSON accepts both the object form and a bare string, which older
// repositories wrote for snapshots that had no separate UUID.
func (s *SnapshotID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*s = SnapshotID{Name: name, UUID: name}
		return nil
	}

	var obj struct {
		Name *string `json:"name"`
		UUID *string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.Name == nil || *obj.Name == "" {
		return fmt.Errorf("snapshot id without name: %s", data)
	}
	s.Name = *obj.Name
	s.UUID = s.Name
	if obj.UUID != nil {
		s.UUID = *obj.UUID
	}
	return nil
}

// IndexID is an index as stored in one repository. ID is opaque and stays
// the same for every snapshot of the same index.
type IndexID struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (i IndexID) String() string {
	return "[" + i.Name + "/" + i.ID + "]"
}

// randomBase64UUID returns a random UUID in URL-safe unpadded base64.
func randomBase64UUID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:])
}
