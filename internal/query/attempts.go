package query

import "resonance/internal/domain"

// Attempt is one search attempt in a retry sequence. Index 0 is the primary
// query.
type Attempt struct {
	Index int
	Query string
}

// Plan iterates the bounded sequence of attempts for one task cycle.
type Plan struct {
	builder  *Builder
	ctx      Context
	simplify bool
	max      int

	next     int
	fallback int
	seen     map[string]struct{}
}

// Plan returns the attempt iterator for c. With retries disabled only the
// primary query is produced.
func (b *Builder) Plan(c Context, retry domain.RetrySettings) *Plan {
	max := 1
	if retry.Enabled && retry.MaxAttempts > 1 {
		max = retry.MaxAttempts
	}
	return &Plan{
		builder:  b,
		ctx:      c,
		simplify: retry.SimplifyOnRetry,
		max:      max,
		seen:     make(map[string]struct{}),
	}
}

// Next returns the next attempt. ok is false when the attempt cap is reached
// or the builder has no more fallbacks.
func (p *Plan) Next() (Attempt, bool) {
	if p.next >= p.max {
		return Attempt{}, false
	}
	if p.next == 0 {
		q := p.builder.Normalize(p.builder.Build(p.ctx))
		p.seen[q] = struct{}{}
		p.next++
		return Attempt{Index: 0, Query: q}, true
	}
	for {
		q, ok := p.builder.Fallback(p.ctx, p.fallback, p.simplify)
		if !ok {
			return Attempt{}, false
		}
		p.fallback++
		if q == "" {
			continue
		}
		if _, dup := p.seen[q]; dup {
			continue
		}
		p.seen[q] = struct{}{}
		a := Attempt{Index: p.next, Query: q}
		p.next++
		return a, true
	}
}

// Resume positions the plan on the attempt that produced q, so a search
// carried over from an earlier run keeps its place in the sequence and the
// attempts before it are not repeated. A query the plan does not produce,
// e.g. after the templates changed, takes the primary slot.
func (p *Plan) Resume(q string) Attempt {
	for {
		a, ok := p.Next()
		if !ok {
			break
		}
		if a.Query == q {
			return a
		}
	}
	p.next, p.fallback = 1, 0
	p.seen = map[string]struct{}{q: {}}
	return Attempt{Index: 0, Query: q}
}
