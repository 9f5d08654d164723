package pattern

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/patternlens/internal/model"
)

// MaxExamples bounds the example snippets kept per pattern
const MaxExamples = 3

// Catalog is the pattern store. UpsertPattern must be atomic per signature:
// the first observation of a run advances counters, later ones are no-ops.
type Catalog interface {
	UpsertPattern(ctx context.Context, p model.Pattern, runID string) (model.PatternDelta, error)
}

// Library is the read side used by identification
type Library interface {
	Candidates(ctx context.Context, q model.PatternQuery) ([]model.Pattern, error)
	IncrementTimesSeen(ctx context.Context, patternID string) error
}

// Absorb folds one new run's observation into an existing pattern: times-seen
// advances, expected-relationship counts accumulate and examples fill up to MaxExamples
func Absorb(existing, observed model.Pattern, now time.Time) model.Pattern {
	out := existing
	out.TimesSeen++
	out.UpdatedAt = now
	out.Rule = existing.Rule
	out.Rule.ExpectedRelationships = mergeExpected(existing.Rule.ExpectedRelationships, observed.Rule.ExpectedRelationships)
	out.Examples = mergeExamples(existing.Examples, observed.Examples)
	return out
}

func mergeExpected(a, b map[string]model.ExpectedRelationship) map[string]model.ExpectedRelationship {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]model.ExpectedRelationship, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		e := out[k]
		e.ValidCount += v.ValidCount
		e.BrokenCount += v.BrokenCount
		e.IsValid = e.ValidCount >= e.BrokenCount
		out[k] = e
	}
	return out
}

func mergeExamples(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, ex := range b {
		if len(out) >= MaxExamples {
			break
		}
		dup := false
		for _, have := range out {
			if have == ex {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, ex)
		}
	}
	return out
}

type catalogKey struct {
	scope     string
	signature string
}

type lineageKey struct {
	scope, version, message, section, nodeType string
}

// MemoryCatalog is an in-process Catalog and Library. Discovery dry runs
// use one seeded from the stored catalog so deltas can be reported without
// writing patterns.
type MemoryCatalog struct {
	mu           sync.Mutex
	patterns     map[string]*model.Pattern
	bySignature  map[catalogKey]string
	latest       map[lineageKey]string
	observations map[string]map[string]bool // pattern id -> run ids
	now          func() time.Time
}

// NewMemoryCatalog creates a catalog holding a copy of existing
func NewMemoryCatalog(existing ...model.Pattern) *MemoryCatalog {
	c := &MemoryCatalog{
		patterns:     make(map[string]*model.Pattern),
		bySignature:  make(map[catalogKey]string),
		latest:       make(map[lineageKey]string),
		observations: make(map[string]map[string]bool),
		now:          func() time.Time { return time.Now().UTC() },
	}

	ordered := append([]model.Pattern(nil), existing...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })
	for _, p := range ordered {
		stored := p
		c.patterns[p.ID] = &stored
		c.bySignature[catalogKey{scope: p.TenantScope, signature: p.SignatureHash}] = p.ID
		c.latest[lineageKey{p.TenantScope, p.Version, p.MessageRoot, p.Section, p.NodeType}] = p.ID
		c.observations[p.ID] = make(map[string]bool)
	}
	return c
}

// UpsertPattern inserts p or folds it into the pattern with the same signature
func (c *MemoryCatalog) UpsertPattern(ctx context.Context, p model.Pattern, runID string) (model.PatternDelta, error) {
	if err := ctx.Err(); err != nil {
		return model.PatternDelta{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	key := catalogKey{scope: p.TenantScope, signature: p.SignatureHash}

	if id, ok := c.bySignature[key]; ok {
		existing := c.patterns[id]
		if c.observations[id][runID] {
			return model.PatternDelta{Action: model.DeltaUnchanged, Pattern: *existing}, nil
		}
		c.observations[id][runID] = true
		updated := Absorb(*existing, p, now)
		c.patterns[id] = &updated
		return model.PatternDelta{Action: model.DeltaUpdated, Pattern: updated}, nil
	}

	lineage := lineageKey{p.TenantScope, p.Version, p.MessageRoot, p.Section, p.NodeType}
	p.SupersedesID = c.latest[lineage]
	p.TimesSeen = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if len(p.Examples) > MaxExamples {
		p.Examples = p.Examples[:MaxExamples]
	}

	stored := p
	c.patterns[p.ID] = &stored
	c.bySignature[key] = p.ID
	c.latest[lineage] = p.ID
	c.observations[p.ID] = map[string]bool{runID: true}
	return model.PatternDelta{Action: model.DeltaCreated, Pattern: p}, nil
}

// Candidates returns the in-scope patterns ordered by id
func (c *MemoryCatalog) Candidates(ctx context.Context, q model.PatternQuery) ([]model.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.Pattern
	for _, p := range c.patterns {
		if q.Matches(*p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IncrementTimesSeen records a high-confidence match
func (c *MemoryCatalog) IncrementTimesSeen(ctx context.Context, patternID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.patterns[patternID]; ok {
		p.TimesSeen++
		p.UpdatedAt = c.now()
	}
	return nil
}

// Len returns the number of stored patterns
func (c *MemoryCatalog) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.patterns)
}
