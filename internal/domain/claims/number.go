package claims

import (
	"context"
	"fmt"
	"time"
)

// DefaultNumberRetries bounds how many times claim creation retries a fresh
// sequence number after a uniqueness collision before falling back to a
// timestamp-suffixed number.
const DefaultNumberRetries = 10

// sequenceStore is the slice of Repository the generator needs.
type sequenceStore interface {
	HighestSequence(ctx context.Context, year int) (int, error)
}

// NumberGenerator produces human-readable claim numbers of the form
// CLM-<year>-<seq>, where seq is zero-padded to three digits. Uniqueness is
// enforced by the store's constraint, not by the generator; concurrent
// submitters may be handed the same candidate and the losing writer retries.
type NumberGenerator struct {
	store      sequenceStore
	maxRetries int
	now        func() time.Time
}

func NewNumberGenerator(store sequenceStore) *NumberGenerator {
	return &NumberGenerator{store: store, maxRetries: DefaultNumberRetries, now: time.Now}
}

// MaxRetries reports the collision-retry budget for a creation loop.
func (g *NumberGenerator) MaxRetries() int { return g.maxRetries }

// Next returns the next candidate number for year: highest stored sequence
// plus one. attempt skews the candidate upward so that a retry after a
// collision does not immediately re-collide with the same concurrent writer.
func (g *NumberGenerator) Next(ctx context.Context, year int, attempt int) (string, error) {
	highest, err := g.store.HighestSequence(ctx, year)
	if err != nil {
		return "", fmt.Errorf("highest claim sequence for %d: %w", year, err)
	}
	return FormatClaimNumber(year, highest+1+attempt), nil
}

// Fallback returns the next sequential number with a short timestamp suffix,
// guaranteed to terminate the creation loop when every plain candidate
// collided. The suffixed form never matches the sequence pattern
// HighestSequence extracts, so fallback rows cannot skew later candidates.
func (g *NumberGenerator) Fallback(ctx context.Context, year int) string {
	seq := 1
	if highest, err := g.store.HighestSequence(ctx, year); err == nil {
		seq = highest + 1
	}
	suffix := g.now().UnixNano() / int64(time.Millisecond) % 10000
	return fmt.Sprintf("%s-%d", FormatClaimNumber(year, seq), suffix)
}

// FormatClaimNumber renders the canonical CLM-<year>-<seq:03d> form. Sequences
// past 999 widen naturally rather than wrapping.
func FormatClaimNumber(year, seq int) string {
	return fmt.Sprintf("CLM-%d-%03d", year, seq)
}
