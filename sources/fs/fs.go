// Package fs is the filesystem content-source adapter: the simplest
// Source implementation, reading a directory tree directly off disk.
// Grounded on the registry pattern in package sources; the teacher has
// no filesystem adapter of its own, so this follows the shape of its
// other storage adapters (storage/database.go, storage/s3aws.go) scaled
// down to os.ReadFile/filepath.Walk.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/evalgo/docforge/sources"
)

type Source struct {
	name string
	root string
}

// New constructs a filesystem source rooted at params["root_path"].
func New(name string, params map[string]any) (sources.Source, error) {
	root, _ := params["root_path"].(string)
	if root == "" {
		return nil, fmt.Errorf("fs source %q: root_path is required", name)
	}
	return &Source{name: name, root: root}, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) List(ctx context.Context) ([]sources.DocumentRef, error) {
	var refs []sources.DocumentRef
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		refs = append(refs, sources.DocumentRef{
			DocID:    fmt.Sprintf("%s:%s", s.name, rel),
			Metadata: map[string]any{"path": path, "modified_at": info.ModTime()},
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", s.root, err)
	}
	return refs, nil
}

func (s *Source) pathFor(docID string) string {
	// docID is "<name>:<relative path>", see List.
	prefix := s.name + ":"
	if len(docID) > len(prefix) && docID[:len(prefix)] == prefix {
		return filepath.Join(s.root, docID[len(prefix):])
	}
	return filepath.Join(s.root, docID)
}

func (s *Source) Fetch(ctx context.Context, docID string) (*sources.FetchResult, error) {
	path := s.pathFor(docID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &sources.FetchResult{
		Content:  data,
		Metadata: map[string]any{"path": path, "modified_at": info.ModTime()},
	}, nil
}

func (s *Source) HasChanged(ctx context.Context, docID string, lastSeen time.Time) (bool, error) {
	info, err := os.Stat(s.pathFor(docID))
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", docID, err)
	}
	return info.ModTime().After(lastSeen), nil
}

// FollowLinks is unsupported by the filesystem adapter; it has no notion
// of cross-document references without a parser already having run.
func (s *Source) FollowLinks(ctx context.Context, content []byte) ([]string, error) {
	return nil, nil
}

// ContentHash returns the hex SHA-256 digest of content, the same digest
// the processor stores as a document's content_hash.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

var _ sources.Source = (*Source)(nil)
