package compliance

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/clinicops/audittrail/internal/domain/auditlog"
)

// Option is one selectable filter value with its display label.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// UserOption is an actor that appears in the log.
type UserOption struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Role  string `json:"role,omitempty"`
}

// AuditFilterOptions backs the general audit log filter dropdowns.
type AuditFilterOptions struct {
	Actions   []Option     `json:"actions"`
	Resources []Option     `json:"resources"`
	Users     []UserOption `json:"users"`
}

// GDPRFilterOptions backs the personal-data log filter dropdowns.
type GDPRFilterOptions struct {
	Actions   []Option     `json:"actions"`
	DataTypes []Option     `json:"dataTypes"`
	Users     []UserOption `json:"users"`
}

// OptionCache stores computed filter options. Read and write errors are
// logged and treated as misses.
type OptionCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, keys ...string) error
}

const (
	auditFacetsKey = "facets:audit"
	gdprFacetsKey  = "facets:gdpr"
)

// CacheObserver counts cache outcomes.
type CacheObserver interface {
	IncFacetCache(result string)
}

// FacetExtractor derives filter options from the values present in the log.
type FacetExtractor struct {
	store     auditlog.Store
	directory auditlog.ActorDirectory
	catalog   ResourceCatalog
	cache     OptionCache
	observer  CacheObserver
	logger    zerolog.Logger
}

type FacetOption func(*FacetExtractor)

// WithOptionCache enables caching of computed options.
func WithOptionCache(c OptionCache, o CacheObserver) FacetOption {
	return func(f *FacetExtractor) {
		f.cache = c
		f.observer = o
	}
}

func NewFacetExtractor(store auditlog.Store, dir auditlog.ActorDirectory, catalog ResourceCatalog, logger zerolog.Logger, opts ...FacetOption) *FacetExtractor {
	f := &FacetExtractor{store: store, directory: dir, catalog: catalog, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type facetCounts struct {
	actions   map[string]int
	resources map[string]int
	actors    map[string]int
}

// count runs the three distinct-value lookups concurrently.
func (f *FacetExtractor) count(ctx context.Context, filter auditlog.Filter) (facetCounts, error) {
	var fc facetCounts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fc.actions, err = f.store.CountDistinct(gctx, auditlog.FieldAction, filter)
		return err
	})
	g.Go(func() error {
		var err error
		fc.resources, err = f.store.CountDistinct(gctx, auditlog.FieldResourceType, filter)
		return err
	})
	g.Go(func() error {
		var err error
		fc.actors, err = f.store.CountDistinct(gctx, auditlog.FieldActorID, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return facetCounts{}, fmt.Errorf("count facets: %w", err)
	}
	return fc, nil
}

// AuditOptions returns options across the whole log.
func (f *FacetExtractor) AuditOptions(ctx context.Context) (*AuditFilterOptions, error) {
	var out AuditFilterOptions
	if f.cached(ctx, auditFacetsKey, &out) {
		return &out, nil
	}
	fc, err := f.count(ctx, auditlog.Filter{})
	if err != nil {
		return nil, err
	}
	users, err := f.users(ctx, fc.actors)
	if err != nil {
		return nil, err
	}
	out = AuditFilterOptions{
		Actions:   options(fc.actions, nil),
		Resources: options(fc.resources, f.catalog.Allows),
		Users:     users,
	}
	f.remember(ctx, auditFacetsKey, out)
	return &out, nil
}

// GDPROptions returns options scoped to the personal-data log.
func (f *FacetExtractor) GDPROptions(ctx context.Context) (*GDPRFilterOptions, error) {
	var out GDPRFilterOptions
	if f.cached(ctx, gdprFacetsKey, &out) {
		return &out, nil
	}
	fc, err := f.count(ctx, auditlog.Filter{Category: auditlog.CategoryGDPR})
	if err != nil {
		return nil, err
	}
	users, err := f.users(ctx, fc.actors)
	if err != nil {
		return nil, err
	}
	out = GDPRFilterOptions{
		Actions:   options(fc.actions, nil),
		DataTypes: options(fc.resources, f.catalog.Allows),
		Users:     users,
	}
	f.remember(ctx, gdprFacetsKey, out)
	return &out, nil
}

func (f *FacetExtractor) cached(ctx context.Context, key string, dst any) bool {
	if f.cache == nil {
		return false
	}
	ok, err := f.cache.Get(ctx, key, dst)
	switch {
	case err != nil:
		f.observe("error")
		f.logger.Warn().Err(err).Str("key", key).Msg("facet cache read failed")
		return false
	case ok:
		f.observe("hit")
		return true
	}
	f.observe("miss")
	return false
}

func (f *FacetExtractor) remember(ctx context.Context, key string, v any) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Set(ctx, key, v); err != nil {
		f.observe("error")
		f.logger.Warn().Err(err).Str("key", key).Msg("facet cache write failed")
	}
}

// Invalidate drops cached options so the next read sees newly appended
// events.
func (f *FacetExtractor) Invalidate(ctx context.Context) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Delete(ctx, auditFacetsKey, gdprFacetsKey); err != nil {
		f.observe("error")
		f.logger.Warn().Err(err).Msg("facet cache invalidation failed")
	}
}

func (f *FacetExtractor) observe(result string) {
	if f.observer != nil {
		f.observer.IncFacetCache(result)
	}
}

// users resolves every actor with at least one event. A directory failure
// degrades to raw ids.
func (f *FacetExtractor) users(ctx context.Context, counts map[string]int) ([]UserOption, error) {
	ids := make([]string, 0, len(counts))
	for id, n := range counts {
		if id != "" && n > 0 {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	actors, err := auditlog.ResolveActors(ctx, f.directory, ids)
	if err != nil {
		f.logger.Warn().Err(err).Msg("actor directory unavailable, using raw actor ids")
		if actors, err = auditlog.ResolveActors(ctx, nil, ids); err != nil {
			return nil, err
		}
	}

	out := make([]UserOption, 0, len(ids))
	for _, id := range ids {
		a := actors[id]
		out = append(out, UserOption{ID: id, Label: a.Label, Role: a.Role})
	}
	slices.SortFunc(out, func(x, y UserOption) int {
		return cmp.Or(cmp.Compare(x.Label, y.Label), cmp.Compare(x.ID, y.ID))
	})
	return out, nil
}

// options drops machine-shaped values and values allow rejects, then labels
// the rest. Output is sorted by value.
func options(counts map[string]int, allow func(string) bool) []Option {
	out := make([]Option, 0, len(counts))
	for v, n := range counts {
		if IsMachineValue(v) {
			continue
		}
		if allow != nil && !allow(v) {
			continue
		}
		out = append(out, Option{Value: v, Label: Label(v), Count: n})
	}
	slices.SortFunc(out, func(x, y Option) int { return cmp.Compare(x.Value, y.Value) })
	return out
}
