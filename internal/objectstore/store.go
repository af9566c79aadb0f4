// Package objectstore provides an optional S3-compatible alternate
// storage backend for verified wheel files, in addition to the local
// files/ tree the downloader always writes to.
package objectstore

import "context"

// Store uploads wheel bytes to an object storage backend, keyed by
// their filename under a wheels/ prefix.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// URL returns where key is stored in the backend (MinIOStore returns
	// a bucket-relative path, not a fetchable URL), or "" if the backend
	// stores nothing.
	URL(key string) string
}

// NullStore discards every upload. It is the default Store: the
// downloader always stages verified wheels to the local files/ tree
// first, so a NullStore object store never affects correctness (P4, P5
// hold with or without an object store configured).
type NullStore struct{}

func (NullStore) Put(_ context.Context, _ string, _ []byte, _ string) error { return nil }

func (NullStore) URL(_ string) string { return "" }

var _ Store = NullStore{}
