package repository

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	fieldSnapshots             = "snapshots"
	fieldIndices               = "indices"
	fieldIndexID               = "id"
	fieldIncompatibleSnapshots = "incompatible-snapshots"
)

type indexEntry struct {
	ID        string       `json:"id"`
	Snapshots []SnapshotID `json:"snapshots"`
}

type snapshotsDocument struct {
	Snapshots []SnapshotID          `json:"snapshots"`
	Indices   map[string]indexEntry `json:"indices"`
}

type incompatibleDocument struct {
	Incompatible []SnapshotID `json:"incompatible-snapshots"`
}

// MarshalSnapshots encodes the active snapshots and the index mapping.
// Incompatible snapshots live in their own document. Names that are not
// valid UTF-8 fail with ErrInvalidName, since JSON would alter them.
func (d *RepositoryData) MarshalSnapshots() ([]byte, error) {
	if err := checkSnapshotNames(d.snapshotIDs); err != nil {
		return nil, err
	}
	for index := range d.indexSnapshots {
		if err := errors.Join(ValidateName(index.Name), ValidateName(index.ID)); err != nil {
			return nil, fmt.Errorf("index %s: %w", index, err)
		}
	}
	doc := snapshotsDocument{
		Snapshots: nonNil(d.snapshotIDs),
		Indices:   make(map[string]indexEntry, len(d.indices)),
	}
	for name, index := range d.indices {
		snaps, ok := d.indexSnapshots[index]
		if !ok {
			return nil, &InvariantError{Msg: fmt.Sprintf("index %s has no snapshot set", index)}
		}
		doc.Indices[name] = indexEntry{ID: index.ID, Snapshots: nonNil(snaps)}
	}
	return json.Marshal(doc)
}

// MarshalIncompatibleSnapshots encodes the incompatible snapshot list.
func (d *RepositoryData) MarshalIncompatibleSnapshots() ([]byte, error) {
	if err := checkSnapshotNames(d.incompatible); err != nil {
		return nil, err
	}
	return json.Marshal(incompatibleDocument{Incompatible: nonNil(d.incompatible)})
}

func checkSnapshotNames(ids []SnapshotID) error {
	for _, id := range ids {
		if err := errors.Join(ValidateName(id.Name), ValidateName(id.UUID)); err != nil {
			return fmt.Errorf("snapshot %s: %w", id, err)
		}
	}
	return nil
}

func nonNil(ids []SnapshotID) []SnapshotID {
	if ids == nil {
		return []SnapshotID{}
	}
	return ids
}

// ParseSnapshots decodes a document written by MarshalSnapshots. The
// generation is not part of the document; the caller supplies it. Unknown
// top-level fields are rejected.
func ParseSnapshots(data []byte, generation int64) (*RepositoryData, error) {
	p := newParser(data)
	if err := p.expectDelim('{', ""); err != nil {
		return nil, &ParseError{Msg: "start object expected"}
	}

	var snapshots []SnapshotID
	indexSnapshots := make(map[IndexID][]SnapshotID)
	for p.more() {
		field, err := p.key()
		if err != nil {
			return nil, err
		}
		switch field {
		case fieldSnapshots:
			if snapshots, err = p.snapshotArray(fieldSnapshots, "expected array for"); err != nil {
				return nil, err
			}
		case fieldIndices:
			if err := p.indices(indexSnapshots); err != nil {
				return nil, err
			}
		default:
			return nil, &ParseError{Field: field, Msg: "unknown field name"}
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return build(generation, snapshots, indexSnapshots, nil), nil
}

// ParseIncompatibleSnapshots decodes a document written by
// MarshalIncompatibleSnapshots and returns a copy of the receiver with its
// incompatible list replaced.
func (d *RepositoryData) ParseIncompatibleSnapshots(data []byte) (*RepositoryData, error) {
	p := newParser(data)
	if err := p.expectDelim('{', ""); err != nil {
		return nil, &ParseError{Msg: "start object expected"}
	}

	var incompatible []SnapshotID
	for p.more() {
		field, err := p.key()
		if err != nil {
			return nil, err
		}
		if field != fieldIncompatibleSnapshots {
			return nil, &ParseError{Field: field, Msg: "unknown field name"}
		}
		if incompatible, err = p.snapshotArray(field, "expected array for"); err != nil {
			return nil, err
		}
	}
	if err := p.end(); err != nil {
		return nil, err
	}
	return build(d.generation, d.snapshotIDs, d.indexSnapshots, incompatible), nil
}

type parser struct {
	dec *json.Decoder
}

func newParser(data []byte) *parser {
	return &parser{dec: json.NewDecoder(bytes.NewReader(data))}
}

func (p *parser) more() bool {
	return p.dec.More()
}

func (p *parser) expectDelim(want json.Delim, field string) error {
	tok, err := p.dec.Token()
	if err != nil {
		return &ParseError{Field: field, Msg: "malformed document: " + err.Error()}
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return &ParseError{Field: field, Msg: fmt.Sprintf("expected %q", want)}
	}
	return nil
}

func (p *parser) key() (string, error) {
	tok, err := p.dec.Token()
	if err != nil {
		return "", &ParseError{Msg: "malformed document: " + err.Error()}
	}
	s, ok := tok.(string)
	if !ok {
		return "", &ParseError{Msg: fmt.Sprintf("expected field name, got %v", tok)}
	}
	return s, nil
}

// end consumes the closing brace of the top-level object and rejects
// trailing data.
func (p *parser) end() error {
	if err := p.expectDelim('}', ""); err != nil {
		return err
	}
	if _, err := p.dec.Token(); !errors.Is(err, io.EOF) {
		return &ParseError{Msg: "trailing data after document"}
	}
	return nil
}

func (p *parser) snapshotArray(field, msg string) ([]SnapshotID, error) {
	if err := p.expectDelim('[', field); err != nil {
		return nil, &ParseError{Field: field, Msg: msg}
	}
	ids := []SnapshotID{}
	for p.dec.More() {
		var id SnapshotID
		if err := p.dec.Decode(&id); err != nil {
			return nil, &ParseError{Field: field, Msg: "invalid snapshot id: " + err.Error()}
		}
		ids = append(ids, id)
	}
	if err := p.expectDelim(']', field); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *parser) indices(out map[IndexID][]SnapshotID) error {
	if err := p.expectDelim('{', fieldIndices); err != nil {
		return &ParseError{Field: fieldIndices, Msg: "start object expected"}
	}
	seen := make(map[string]bool)
	for p.dec.More() {
		name, err := p.key()
		if err != nil {
			return err
		}
		if seen[name] {
			return &ParseError{Field: "index[" + name + "]", Msg: "duplicate index"}
		}
		seen[name] = true

		id, snaps, err := p.indexEntry(name)
		if err != nil {
			return err
		}
		out[IndexID{Name: name, ID: id}] = snaps
	}
	return p.expectDelim('}', fieldIndices)
}

func (p *parser) indexEntry(name string) (string, []SnapshotID, error) {
	field := "index[" + name + "]"
	if err := p.expectDelim('{', field); err != nil {
		return "", nil, &ParseError{Field: field, Msg: "start object expected"}
	}

	var (
		id    string
		hasID bool
		snaps = []SnapshotID{}
	)
	for p.dec.More() {
		key, err := p.key()
		if err != nil {
			return "", nil, err
		}
		switch key {
		case fieldIndexID:
			if err := p.dec.Decode(&id); err != nil {
				return "", nil, &ParseError{Field: field + "." + fieldIndexID, Msg: "expected string"}
			}
			hasID = true
		case fieldSnapshots:
			if snaps, err = p.snapshotArray(fieldSnapshots, "start array expected"); err != nil {
				return "", nil, err
			}
		default:
			var skip json.RawMessage
			if err := p.dec.Decode(&skip); err != nil {
				return "", nil, &ParseError{Field: field + "." + key, Msg: "malformed value"}
			}
		}
	}
	if err := p.expectDelim('}', field); err != nil {
		return "", nil, err
	}
	if !hasID {
		return "", nil, &ParseError{Field: field + "." + fieldIndexID, Msg: "missing index id"}
	}
	return id, snaps, nil
}
