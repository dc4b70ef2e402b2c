// Package storage provides a content-addressed local blob store. It stands
// in for a pinned IPFS gateway in development and single-node deployments:
// uploads are stored under their sha256 digest and retrievability checks
// are a stat on the digest path.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gian-gg/sabot-sub002/proof"
)

type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// Upload writes the blob under its digest. Re-uploading identical content
// is a no-op that returns the same address.
func (s *DiskStore) Upload(ctx context.Context, data []byte, path string) (proof.StoredFile, error) {
	if err := ctx.Err(); err != nil {
		return proof.StoredFile{}, err
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	dst := filepath.Join(s.root, digest)

	if _, err := os.Stat(dst); err == nil {
		return proof.StoredFile{URL: "file://" + dst, Path: digest}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return proof.StoredFile{}, fmt.Errorf("storage: stat %s: %w", digest, err)
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return proof.StoredFile{}, fmt.Errorf("storage: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return proof.StoredFile{}, fmt.Errorf("storage: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return proof.StoredFile{}, fmt.Errorf("storage: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return proof.StoredFile{}, fmt.Errorf("storage: publish blob: %w", err)
	}

	return proof.StoredFile{URL: "file://" + dst, Path: digest}, nil
}

// Exists reports whether content for the digest is retrievable.
func (s *DiskStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.root, filepath.Base(path)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("storage: stat %s: %w", path, err)
}
