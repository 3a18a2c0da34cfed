package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"agenda/internal/kv"
	appLog "agenda/internal/log"
	"agenda/internal/store"
)

// Source represents a single ICS subscription source.
type Source struct {
	// ID is an internal identifier (config feed id).
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher fetches ICS feeds with conditional requests (ETag /
// Last-Modified), keeping validators and the last body in the key-value
// store.
type Fetcher struct {
	client *http.Client
	cache  kv.Store
	now    func() time.Time
}

// NewFetcher creates a Fetcher. A nil client gets a 15s timeout.
func NewFetcher(cache kv.Store, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{client: client, cache: cache, now: time.Now}
}

// FetchOne fetches a single ICS source. Network errors and non-OK statuses
// fall back to the cached body when there is one.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	metaKey, bodyKey := cacheKeys(src.URL)
	meta := f.loadMeta(metaKey)
	cachedBody, _, err := f.cache.Get(bodyKey)
	if err != nil {
		appLog.Error("ics cache read failed", err, "id", src.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if cachedBody != "" {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if cachedBody != "" {
			appLog.Error("ics fetch network error, using cached body", err, "id", src.ID, "url", redactURL(src.URL))
			return FetchResult{Source: src, Body: []byte(cachedBody), FromCache: true}, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, readErr
		}
		newMeta := cacheEntry{
			URL:          src.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    f.now().UTC(),
		}
		if err := f.saveCache(metaKey, bodyKey, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", src.ID, "url", redactURL(src.URL))
		}
		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode, "from_cache", false)
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if cachedBody == "" {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("ics fetch not modified; using cache", "id", src.ID, "url", redactURL(src.URL))
		return FetchResult{Source: src, Body: []byte(cachedBody), FromCache: true}, nil

	default:
		if cachedBody != "" {
			appLog.Error("ics fetch non-OK, using cached body", errors.New(resp.Status), "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode)
			return FetchResult{Source: src, Body: []byte(cachedBody), FromCache: true}, nil
		}
		return FetchResult{}, errors.New(resp.Status)
	}
}

func cacheKeys(url string) (meta, body string) {
	sum := sha256.Sum256([]byte(url))
	id := hex.EncodeToString(sum[:8])
	return "ics_meta_" + id, "ics_body_" + id
}

func (f *Fetcher) loadMeta(key string) cacheEntry {
	var meta cacheEntry
	raw, ok, err := f.cache.Get(key)
	if err != nil || !ok {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return cacheEntry{}
	}
	return meta
}

func (f *Fetcher) saveCache(metaKey, bodyKey string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := f.cache.Set(bodyKey, string(body)); err != nil {
		return err
	}
	data, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	return f.cache.Set(metaKey, string(data))
}

const defaultHorizon = 30 * 24 * time.Hour

// Importer creates store events for feed entries it has not seen before.
// Entries already imported are left alone so local edits survive refreshes.
type Importer struct {
	Fetcher *Fetcher
	Events  store.Store
	KV      kv.Store
	Expand  ExpandConfig
	Now     func() time.Time
	// Horizon is how far ahead entries are imported; zero means 30 days.
	Horizon time.Duration
}

// ImportAll imports every source. Per-source errors are logged and
// returned; other sources still run.
func (im *Importer) ImportAll(ctx context.Context, sources []Source) (int, []error) {
	var (
		total int
		errs  []error
	)
	for _, src := range sources {
		n, err := im.Import(ctx, src)
		total += n
		if err != nil {
			appLog.Error("ics import failed", err, "id", src.ID, "url", redactURL(src.URL))
			errs = append(errs, err)
		}
	}
	return total, errs
}

// Import fetches one source and creates its new instances. It returns the
// number of events created.
func (im *Importer) Import(ctx context.Context, src Source) (int, error) {
	res, err := im.Fetcher.FetchOne(ctx, src)
	if err != nil {
		return 0, err
	}
	parsed, err := ParseFeed(src, res.Body)
	if err != nil {
		return 0, err
	}

	now := time.Now
	if im.Now != nil {
		now = im.Now
	}
	cfg := im.Expand
	cfg.RangeStart = now()
	horizon := im.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	cfg.RangeEnd = cfg.RangeStart.Add(horizon)
	instances, err := Expand(parsed, cfg)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, inst := range instances {
		if inst.Cancelled {
			continue
		}
		key := "ics_uid_" + src.ID + "_" + inst.Key
		if _, seen, err := im.KV.Get(key); err != nil {
			return created, err
		} else if seen {
			continue
		}
		id, err := im.Events.Create(ctx, inst.Event)
		if err != nil {
			return created, err
		}
		if err := im.KV.Set(key, id); err != nil {
			return created, err
		}
		created++
	}

	appLog.Info("ics import completed", "id", src.ID, "instances", len(instances), "created", created, "from_cache", res.FromCache)
	return created, nil
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://example.com/path/to/private.ics?token=abcd
//	-> https://example.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
