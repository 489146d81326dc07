// Package crawler defines the core types shared across the news pipeline: the
// article stubs discovered by the listing scan, the parse job envelope that
// crosses the queue boundary, the persisted Article, and the interfaces the
// scanner, worker, and stores are wired through.
package crawler
