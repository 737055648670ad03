package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// validName matches blob names: no path separators, no leading dot.
var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// FSStore implements BlobStore on a local directory. Writes go to a temp
// file first, so readers never see a partial blob.
type FSStore struct {
	root    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFSStore creates a store rooted at root. With compress, blobs are
// written zstd-compressed. Reads accept both forms either way.
func NewFSStore(root string, compress bool) (*FSStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	s := &FSStore{root: root, decoder: decoder}
	if compress {
		s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			decoder.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	return s, nil
}

// Close releases the codec resources.
func (s *FSStore) Close() error {
	s.decoder.Close()
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}

// Read returns the blob contents, decompressing if needed.
func (s *FSStore) Read(_ context.Context, name string) ([]byte, error) {
	if !validName.MatchString(name) {
		return nil, ErrBlobNotFound
	}
	data, err := os.ReadFile(s.blobPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", name, ErrBlobNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	if bytes.HasPrefix(data, zstdMagic) {
		out, err := s.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress blob %s: %w", name, err)
		}
		return out, nil
	}
	return data, nil
}

// Write stores a blob atomically.
func (s *FSStore) Write(_ context.Context, name string, data []byte, failIfExists bool) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid blob name: %q", name)
	}
	if s.encoder != nil {
		data = s.encoder.EncodeAll(data, nil)
	}

	tmpFile, err := os.CreateTemp(s.root, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write blob data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync blob data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	target := s.blobPath(name)
	if failIfExists {
		// Link fails if the target exists, which makes the check and the
		// publish a single step.
		if err := os.Link(tmpPath, target); err != nil {
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s: %w", name, ErrBlobExists)
			}
			return fmt.Errorf("publish blob %s: %w", name, err)
		}
		return nil
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("rename blob %s: %w", name, err)
	}
	return nil
}

// Delete removes a blob.
func (s *FSStore) Delete(_ context.Context, name string) error {
	if !validName.MatchString(name) {
		return nil
	}
	if err := os.Remove(s.blobPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", name, err)
	}
	return nil
}

// List returns blob names with the given prefix, skipping temp files.
func (s *FSStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *FSStore) blobPath(name string) string {
	return filepath.Join(s.root, name)
}
