package reputation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lnhive/hived/internal/hive"
	"github.com/lnhive/hived/internal/store"
)

// cacheTTL bounds aggregation staleness.
const cacheTTL = time.Hour

// Aggregate is a computed reputation summary for (subject, domain); an
// empty domain means "across all domains".
type Aggregate struct {
	SubjectID       hive.PeerID    `json:"subject_id"`
	Domain          string         `json:"domain,omitempty"`
	Score           int            `json:"score"`
	Tier            string         `json:"tier"`
	Confidence      string         `json:"confidence"`
	CredentialCount int            `json:"credential_count"`
	IssuerCount     int            `json:"issuer_count"`
	Components      map[string]int `json:"components,omitempty"` // per-domain scores
	ComputedAt      time.Time      `json:"computed_at"`
}

type cacheEntry struct {
	agg     *Aggregate
	expires time.Time
}

// Cache layers an in-memory map over an optional redis mirror and the
// persisted store mirror. Lookups read memory first, then redis, then the
// store; all layers honor the same TTL. Invalidation is explicit and clears
// both the domain key and the all-domains key.
type Cache struct {
	mu  sync.Mutex
	mem map[string]cacheEntry

	rdb *redis.Client
	st  *store.Store
	log *slog.Logger
	now func() time.Time
}

// NewCache builds a Cache; rdb and st may each be nil.
func NewCache(rdb *redis.Client, st *store.Store, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		mem: make(map[string]cacheEntry),
		rdb: rdb,
		st:  st,
		log: log.With("component", "reputation-cache"),
		now: time.Now,
	}
}

func cacheKey(subject hive.PeerID, domain string) string {
	return "hive:rep:" + string(subject) + ":" + domain
}

// Get returns the cached aggregate for (subject, domain), or nil.
func (c *Cache) Get(ctx context.Context, subject hive.PeerID, domain string) *Aggregate {
	key := cacheKey(subject, domain)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.mem[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.agg
	}
	c.mu.Unlock()

	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
			var agg Aggregate
			if json.Unmarshal(raw, &agg) == nil && now.Sub(agg.ComputedAt) < cacheTTL {
				c.memPut(key, &agg)
				return &agg
			}
		}
	}

	if c.st != nil {
		row, err := c.st.GetAggregate(ctx, string(subject), domain)
		if err == nil && now.Sub(row.ComputedAt) < cacheTTL {
			agg := &Aggregate{
				SubjectID:       subject,
				Domain:          domain,
				Score:           row.Score,
				Tier:            row.Tier,
				Confidence:      row.Confidence,
				CredentialCount: row.CredentialCount,
				IssuerCount:     row.IssuerCount,
				ComputedAt:      row.ComputedAt,
			}
			json.Unmarshal([]byte(row.ComponentsJSON), &agg.Components)
			c.memPut(key, agg)
			return agg
		}
	}
	return nil
}

// Put caches agg in every layer.
func (c *Cache) Put(ctx context.Context, agg *Aggregate) {
	key := cacheKey(agg.SubjectID, agg.Domain)
	c.memPut(key, agg)

	if c.rdb != nil {
		raw, err := json.Marshal(agg)
		if err == nil {
			if err := c.rdb.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
				c.log.Debug("redis mirror set failed", "error", err)
			}
		}
	}

	if c.st != nil {
		components, _ := json.Marshal(agg.Components)
		row := &store.AggregateRow{
			SubjectID:       string(agg.SubjectID),
			Domain:          agg.Domain,
			Score:           agg.Score,
			Tier:            agg.Tier,
			Confidence:      agg.Confidence,
			CredentialCount: agg.CredentialCount,
			IssuerCount:     agg.IssuerCount,
			ComponentsJSON:  string(components),
			ComputedAt:      agg.ComputedAt,
		}
		if err := c.st.UpsertAggregate(ctx, row); err != nil {
			c.log.Warn("persist aggregate failed", "subject", agg.SubjectID.Short(), "error", err)
		}
	}
}

// Invalidate clears (subject, domain) and (subject, all-domains) from every
// layer. Called on any mutation to the subject's credential set.
func (c *Cache) Invalidate(ctx context.Context, subject hive.PeerID, domain string) {
	for _, d := range []string{domain, ""} {
		key := cacheKey(subject, d)
		c.mu.Lock()
		delete(c.mem, key)
		c.mu.Unlock()

		if c.rdb != nil {
			if err := c.rdb.Del(ctx, key).Err(); err != nil {
				c.log.Debug("redis mirror del failed", "error", err)
			}
		}
		if c.st != nil {
			if err := c.st.DeleteAggregate(ctx, string(subject), d); err != nil {
				c.log.Warn("delete persisted aggregate failed", "error", err)
			}
		}
	}
}

func (c *Cache) memPut(key string, agg *Aggregate) {
	c.mu.Lock()
	c.mem[key] = cacheEntry{agg: agg, expires: c.now().Add(cacheTTL)}
	c.mu.Unlock()
}
