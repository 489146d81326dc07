// Package archive stores the raw HTML of fetched articles in a BlobStore,
// keyed by a digest of the article URL so a redelivered job overwrites its
// earlier copy.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

const contentType = "text/html; charset=utf-8"

// Archiver writes article bodies to <prefix>/<hash(url)>.html.
type Archiver struct {
	blobs  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
}

// New builds an Archiver. Prefix may be empty.
func New(blobs crawler.BlobStore, hasher crawler.Hasher, prefix string) (*Archiver, error) {
	if blobs == nil {
		return nil, errors.New("archive: blob store is required")
	}
	if hasher == nil {
		return nil, errors.New("archive: hasher is required")
	}
	return &Archiver{blobs: blobs, hasher: hasher, prefix: strings.Trim(prefix, "/")}, nil
}

// Path returns the object path used for url.
func (a *Archiver) Path(url string) (string, error) {
	key, err := a.hasher.Hash([]byte(url))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	if a.prefix == "" {
		return key + ".html", nil
	}
	return a.prefix + "/" + key + ".html", nil
}

// Archive stores body and returns the URI reported by the blob store.
func (a *Archiver) Archive(ctx context.Context, url string, body []byte) (string, error) {
	path, err := a.Path(url)
	if err != nil {
		return "", err
	}
	uri, err := a.blobs.PutObject(ctx, path, contentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}
	return uri, nil
}
