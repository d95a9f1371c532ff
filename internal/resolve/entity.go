// Package resolve turns free-text references and relative dates into
// concrete values, or reports that a human has to decide.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

// EntityType is the kind of thing a reference points at.
type EntityType string

const (
	EntityProject EntityType = "project"
	EntityPerson  EntityType = "person"
)

// Match is one lookup hit.
type Match struct {
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Score  float64        `json:"score"`
	Active bool           `json:"active"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Lookup searches the external entity index.
type Lookup interface {
	Search(ctx context.Context, query string, entityType EntityType) ([]Match, error)
}

// Kind discriminates resolution outcomes.
type Kind int

const (
	KindResolved Kind = iota
	KindAmbiguous
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindResolved:
		return "resolved"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "not_found"
	}
}

// EntityOutcome is the result of resolving one reference.
type EntityOutcome struct {
	Kind       Kind
	ID         string
	Label      string
	Score      float64
	Candidates []domain.Candidate
	// Err is set when the lookup itself failed; the outcome is then NotFound.
	Err error
}

// scoreEpsilon absorbs float noise so a margin of exactly 0.10 passes.
const scoreEpsilon = 1e-9

// EntityResolver applies score and margin thresholds to lookup results. It
// never picks between close candidates.
type EntityResolver struct {
	Lookup   Lookup
	MinScore float64
	Margin   float64
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Resolve looks up reference and classifies the matches.
func (r EntityResolver) Resolve(ctx context.Context, reference string, entityType EntityType) EntityOutcome {
	reference = strings.TrimSpace(reference)
	if reference == "" || r.Lookup == nil {
		return EntityOutcome{Kind: KindNotFound}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	matches, err := r.Lookup.Search(ctx, reference, entityType)
	if err != nil {
		if r.Logger != nil {
			r.Logger.Warn("entity lookup failed",
				zap.String("entity_type", string(entityType)),
				zap.String("reference", reference),
				zap.Error(err))
		}
		return EntityOutcome{Kind: KindNotFound, Err: fmt.Errorf("lookup %s %q: %w", entityType, reference, err)}
	}
	return r.Classify(matches)
}

// Classify applies the acceptance rules to an already fetched match list.
func (r EntityResolver) Classify(matches []Match) EntityOutcome {
	ordered := make([]Match, 0, len(matches))
	for _, m := range matches {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		ordered = append(ordered, m)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return ordered[i].ID < ordered[j].ID
	})
	if len(ordered) == 0 {
		return EntityOutcome{Kind: KindNotFound}
	}

	top := ordered[0]
	second := 0.0
	if len(ordered) > 1 {
		second = ordered[1].Score
	}
	if top.Active && top.Score+scoreEpsilon >= r.MinScore && top.Score-second+scoreEpsilon >= r.Margin {
		return EntityOutcome{Kind: KindResolved, ID: top.ID, Label: top.Label, Score: top.Score}
	}

	candidates := make([]domain.Candidate, 0, len(ordered))
	for _, m := range ordered {
		if !m.Active {
			continue
		}
		label := m.Label
		if label == "" {
			label = m.ID
		}
		candidates = append(candidates, domain.Candidate{ID: m.ID, Label: label, Score: m.Score, Meta: m.Meta})
	}
	if len(candidates) == 0 {
		return EntityOutcome{Kind: KindNotFound}
	}
	return EntityOutcome{Kind: KindAmbiguous, Candidates: candidates}
}
