package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// ArticleStore mirrors the Postgres upsert rules in memory: url is the key,
// title is unique, and updates only touch last_updated and a non-empty image.
type ArticleStore struct {
	mu      sync.Mutex
	clock   crawler.Clock
	byURL   map[string]*crawler.Article
	byTitle map[string]string
	nextID  int64
}

// NewArticleStore creates an empty store.
func NewArticleStore(clock crawler.Clock) *ArticleStore {
	return &ArticleStore{
		clock:   clock,
		byURL:   make(map[string]*crawler.Article),
		byTitle: make(map[string]string),
	}
}

// Upsert inserts or refreshes the article for record.URL.
func (s *ArticleStore) Upsert(_ context.Context, record crawler.ArticleRecord) (crawler.UpsertOutcome, error) {
	if record.URL == "" {
		return "", &crawler.StoreError{Op: "upsert", Err: fmt.Errorf("record url is required")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if existing, ok := s.byURL[record.URL]; ok {
		existing.LastUpdated = &now
		if record.ImageURL != "" {
			existing.ImageURL = record.ImageURL
		}
		return crawler.UpsertUpdated, nil
	}
	if owner, taken := s.byTitle[record.Title]; taken {
		return "", &crawler.StoreError{Op: "upsert", Err: &crawler.TitleConflictError{
			URL:         record.URL,
			Title:       record.Title,
			ExistingURL: owner,
		}}
	}

	s.nextID++
	s.byURL[record.URL] = &crawler.Article{
		ID:               s.nextID,
		Title:            record.Title,
		Description:      record.Description,
		ShortDescription: record.ShortDescription,
		ImageURL:         record.ImageURL,
		URL:              record.URL,
		DateAdded:        now,
	}
	s.byTitle[record.Title] = record.URL
	return crawler.UpsertCreated, nil
}

// Get returns a copy of the article stored for url.
func (s *ArticleStore) Get(url string) (crawler.Article, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byURL[url]
	if !ok {
		return crawler.Article{}, false
	}
	return copyArticle(a), true
}

// All returns every article, newest first, the order readers page through.
func (s *ArticleStore) All() []crawler.Article {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Article, 0, len(s.byURL))
	for _, a := range s.byURL {
		out = append(out, copyArticle(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DateAdded.Equal(out[j].DateAdded) {
			return out[i].ID > out[j].ID
		}
		return out[i].DateAdded.After(out[j].DateAdded)
	})
	return out
}

func copyArticle(a *crawler.Article) crawler.Article {
	out := *a
	if a.LastUpdated != nil {
		t := *a.LastUpdated
		out.LastUpdated = &t
	}
	return out
}
