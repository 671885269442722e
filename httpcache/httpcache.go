// Package httpcache implements a single-flight LRU HTTP cache keyed on
// method+url+headers+body, wrapping any upstream fetcher. Invalidation is
// a blanket timestamp rather than a map clear: any entry produced before
// the last invalidation counts as stale on its next lookup.
//
// Single-flight coalescing uses promise.Shared rather than
// golang.org/x/sync/singleflight: unlike singleflight.Group, Shared lets
// one waiter's own cancellation end only that waiter's wait without
// aborting the producer or any other waiter.
package httpcache

import (
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/generator"
	"github.com/joeycumines/go-netloop/httpmsg"
	"github.com/joeycumines/go-netloop/promise"
)

// DefaultCapacity is the cache's default entry count ceiling.
const DefaultCapacity = 1024

// DefaultMaxStaleness is the default freshness window.
const DefaultMaxStaleness = 10 * time.Second

var idempotentMethods = map[httpmsg.Method]bool{
	httpmsg.GET:      true,
	httpmsg.HEAD:     true,
	httpmsg.OPTIONS:  true,
	httpmsg.PROPFIND: true,
}

// Fetcher is anything that can perform an upstream HTTP fetch, notably
// *httpclient.Client.
type Fetcher interface {
	Fetch(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error)
}

// Entry is a fully materialized, cached response.
type Entry struct {
	Status      int
	Headers     httpmsg.Headers
	Body        []byte
	TimestampMs int64
}

type cacheKey string

// Option configures a Cache at construction.
type Option func(*Cache)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option { return func(c *Cache) { c.capacity = n } }

// WithMaxStaleness overrides DefaultMaxStaleness.
func WithMaxStaleness(d time.Duration) Option {
	return func(c *Cache) { c.maxStalenessMs = d.Milliseconds() }
}

// WithClock overrides the cache's notion of "now" (milliseconds since
// the epoch). Mainly useful in tests.
func WithClock(fn func() int64) Option {
	return func(c *Cache) { c.now = fn }
}

// Cache wraps a Fetcher with a single-flight LRU.
type Cache struct {
	fetcher        Fetcher
	capacity       int
	maxStalenessMs int64
	now            func() int64

	mu               sync.Mutex
	entries          map[cacheKey]*Entry
	order            []cacheKey
	pending          map[cacheKey]*promise.Shared[*Entry]
	lastInvalidateMs int64
}

// New builds a Cache in front of fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:        fetcher,
		capacity:       DefaultCapacity,
		maxStalenessMs: DefaultMaxStaleness.Milliseconds(),
		now:            func() int64 { return time.Now().UnixMilli() },
		entries:        make(map[cacheKey]*Entry),
		pending:        make(map[cacheKey]*promise.Shared[*Entry]),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func isCacheable(req *httpmsg.Request) bool {
	accept, ok := req.Headers.Get("Accept")
	if !ok || (accept != "application/json" && accept != "application/xml") {
		return false
	}
	if ct, ok := req.Headers.Get("Content-Type"); ok {
		switch ct {
		case "application/json", "application/xml", "application/x-www-form-urlencoded":
		default:
			return false
		}
	}
	return true
}

func invalidatesCache(req *httpmsg.Request) bool {
	return !idempotentMethods[req.Method] || req.Flags&httpmsg.FlagWrite != 0
}

func keyOf(method httpmsg.Method, url string, headers httpmsg.Headers, body []byte) cacheKey {
	var b strings.Builder
	b.WriteString(method.String())
	b.WriteByte('\x00')
	b.WriteString(url)
	for _, h := range headers {
		b.WriteByte('\x00')
		b.WriteString(h.Name)
		b.WriteByte('\x01')
		b.WriteString(h.Value)
	}
	b.WriteByte('\x00')
	b.Write(body)
	return cacheKey(b.String())
}

func materializeBody(req *httpmsg.Request, tok cancel.Token) ([]byte, *generator.Generator[[]byte], error) {
	if req.Body == nil {
		return nil, nil, nil
	}
	var out []byte
	for {
		chunk, ok, err := req.Body.Advance(tok)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			break
		}
		out = append(out, chunk...)
	}
	return out, generator.FromSlice([][]byte{out}), nil
}

func (c *Cache) isStale(e *Entry) bool {
	if e.Status >= 400 {
		return true
	}
	if e.TimestampMs <= c.lastInvalidateMs {
		return true
	}
	return c.now()-e.TimestampMs >= c.maxStalenessMs
}

// touch must be called with c.mu held; it marks k most-recently-used.
func (c *Cache) touch(k cacheKey) {
	for i, kk := range c.order {
		if kk == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

// removeLocked must be called with c.mu held.
func (c *Cache) removeLocked(k cacheKey) {
	delete(c.entries, k)
	for i, kk := range c.order {
		if kk == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// insertLocked must be called with c.mu held; evicts the least-recently
// used entry first if at capacity.
func (c *Cache) insertLocked(k cacheKey, e *Entry) {
	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.capacity && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
	c.entries[k] = e
	c.touch(k)
}

func entryToResponse(e *Entry) *httpmsg.Response {
	return &httpmsg.Response{
		Status:  e.Status,
		Headers: e.Headers,
		Body:    generator.FromSlice([][]byte{e.Body}),
	}
}

// Fetch serves req from cache when cacheable and fresh, otherwise
// single-flights an upstream fetch and (for cacheable requests) caches
// the fully materialized result. Non-idempotent requests, or requests
// whose Flags include FlagWrite, invalidate the entire cache once the
// upstream fetch completes.
func (c *Cache) Fetch(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
	body, freshBody, err := materializeBody(req, tok)
	if err != nil {
		return nil, err
	}
	req.Body = freshBody

	if invalidatesCache(req) {
		resp, err := c.fetcher.Fetch(req, tok)
		c.mu.Lock()
		c.lastInvalidateMs = c.now()
		c.mu.Unlock()
		return resp, err
	}

	if !isCacheable(req) {
		return c.fetcher.Fetch(req, tok)
	}

	k := keyOf(req.Method, req.URL, req.Headers, body)

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		if !c.isStale(e) {
			c.touch(k)
			c.mu.Unlock()
			return entryToResponse(e), nil
		}
		c.removeLocked(k)
	}
	if shared, ok := c.pending[k]; ok {
		c.mu.Unlock()
		e, err := shared.Get(tok)
		if err != nil {
			return nil, err
		}
		return entryToResponse(e), nil
	}

	shared := promise.NewShared(func(tok cancel.Token) (*Entry, error) {
		resp, err := c.fetcher.Fetch(req, tok)
		if err != nil {
			return nil, err
		}
		var respBody []byte
		if resp.Body != nil {
			for {
				chunk, ok, err := resp.Body.Advance(tok)
				if err != nil {
					return nil, err
				}
				if !ok {
					break
				}
				respBody = append(respBody, chunk...)
			}
		}
		e := &Entry{Status: resp.Status, Headers: resp.Headers, Body: respBody, TimestampMs: c.now()}

		c.mu.Lock()
		delete(c.pending, k)
		c.insertLocked(k, e)
		c.mu.Unlock()

		return e, nil
	})
	c.pending[k] = shared
	c.mu.Unlock()

	e, err := shared.Get(tok)
	if err != nil {
		return nil, err
	}
	return entryToResponse(e), nil
}
