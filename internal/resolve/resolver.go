// Package resolve attributes an inbound SMS sender to at most one CRM lead.
//
// Attribution runs in two phases: exact-equality lookups over the sender's
// phone variation set, then, only when nothing matched exactly, a
// digit-substring candidate search. Any match reached through a truncated
// variation or a substring probe must survive a bidirectional core-variation
// intersection before it is accepted; that check is what keeps a number from
// matching an unrelated longer number that merely ends in the same digits.
package resolve

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tmx156/EdgeTalentcrm-sub009/internal/metrics"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/model"
	"github.com/tmx156/EdgeTalentcrm-sub009/internal/phone"
)

const (
	// Variations shorter than this carry too little information for a safe
	// equality match.
	minExactDigits = 7
	// Substring search needs a full-length number; anything shorter collides
	// with half the directory.
	minFuzzyDigits = 10

	defaultCandidateLimit = 5
)

// Directory is the slice of the CRM record store the resolver reads. Both
// lookups return newest-created leads first.
type Directory interface {
	// FindLeadByPhone returns the most recent lead whose stored phone equals
	// the given string exactly, or nil when there is none.
	FindLeadByPhone(ctx context.Context, phoneStr string) (*model.Lead, error)
	// SearchLeadsByPhoneDigits returns up to limit leads whose digit-stripped
	// stored phone contains the given digit string.
	SearchLeadsByPhoneDigits(ctx context.Context, digits string, limit int) ([]model.Lead, error)
}

// Resolver performs two-phase sender attribution against a lead directory.
type Resolver struct {
	dir         Directory
	countryCode string
	candidates  int
}

// New builds a Resolver for the given directory and default country calling code.
func New(dir Directory, countryCode string) *Resolver {
	return &Resolver{dir: dir, countryCode: countryCode, candidates: defaultCandidateLimit}
}

// Resolve returns the lead owning the raw sender phone, or nil when no lead
// can be attributed. A nil result is a normal outcome (the orphan path), not
// an error; errors are store failures only.
func (r *Resolver) Resolve(ctx context.Context, rawPhone string) (*model.Lead, error) {
	variations := phone.Variations(rawPhone, r.countryCode)
	inputCore := coreSet(rawPhone, r.countryCode)
	rejected := make(map[uuid.UUID]struct{})

	// Phase 1: exact equality, most specific variation first. A hit reached
	// through one of the sender's own core forms is the same number and is
	// returned as-is. A hit reached through a truncated suffix form is only
	// an overlapping tail until the candidate's core forms confirm it.
	for _, v := range variations {
		if len(phone.DigitsOnly(v)) < minExactDigits {
			continue
		}
		lead, err := r.dir.FindLeadByPhone(ctx, v)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: exact lookup %q", v)
		}
		if lead == nil {
			continue
		}
		if _, core := inputCore[v]; core {
			metrics.ResolveOutcomes.WithLabelValues("exact").Inc()
			return lead, nil
		}
		if r.revalidate(inputCore, lead.Phone) {
			metrics.ResolveOutcomes.WithLabelValues("exact").Inc()
			return lead, nil
		}
		rejected[lead.ID] = struct{}{}
		flagRejected(rawPhone, lead)
	}

	// Phase 2: substring candidates, each re-validated the same way.
	if len(inputCore) == 0 {
		metrics.ResolveOutcomes.WithLabelValues("none").Inc()
		return nil, nil
	}
	for _, v := range variations {
		digits := phone.DigitsOnly(v)
		if len(digits) < minFuzzyDigits {
			continue
		}
		candidates, err := r.dir.SearchLeadsByPhoneDigits(ctx, digits, r.candidates)
		if err != nil {
			return nil, eris.Wrapf(err, "resolve: fuzzy lookup %q", digits)
		}
		for i := range candidates {
			cand := candidates[i]
			if _, done := rejected[cand.ID]; done {
				continue
			}
			if r.revalidate(inputCore, cand.Phone) {
				metrics.ResolveOutcomes.WithLabelValues("fuzzy").Inc()
				return &cand, nil
			}
			rejected[cand.ID] = struct{}{}
			flagRejected(rawPhone, &cand)
		}
	}

	metrics.ResolveOutcomes.WithLabelValues("none").Inc()
	return nil, nil
}

// revalidate accepts a candidate only when the candidate's own core variation
// set intersects the input's.
func (r *Resolver) revalidate(inputCore map[string]struct{}, candidatePhone string) bool {
	for _, v := range phone.CoreVariations(candidatePhone, r.countryCode) {
		if _, ok := inputCore[v]; ok {
			return true
		}
	}
	return false
}

// flagRejected surfaces an ambiguous near-miss: either a formatting case the
// variation generator does not cover yet, or a genuine digit-tail collision
// being kept out of the lead's message feed.
func flagRejected(rawPhone string, cand *model.Lead) {
	zap.L().Warn("phone candidate rejected by re-validation",
		zap.String("sender", rawPhone),
		zap.String("candidate_phone", cand.Phone),
		zap.String("lead_id", cand.ID.String()),
	)
}

func coreSet(raw, countryCode string) map[string]struct{} {
	vs := phone.CoreVariations(raw, countryCode)
	set := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		set[v] = struct{}{}
	}
	return set
}
