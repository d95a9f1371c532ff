package engine

import (
	"context"

	"github.com/matthewcove-stack/intent-normaliser/internal/domain"
)

func (e Engine) GetIntent(ctx context.Context, id string) (domain.Intent, error) {
	in, err := e.Repo.GetIntent(ctx, nil, id)
	if err != nil {
		return domain.Intent{}, notFound(err, "intent", id)
	}
	return in, nil
}

// ListArtifacts returns the audit trail of an intent oldest first.
func (e Engine) ListArtifacts(ctx context.Context, intentID string) ([]domain.Artifact, error) {
	if _, err := e.GetIntent(ctx, intentID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, nil, intentID)
}

// LatestByCorrelation returns the newest artifact across every intent that
// shares correlationID, which is how superseding submissions are followed.
func (e Engine) LatestByCorrelation(ctx context.Context, correlationID string) (domain.Artifact, error) {
	a, err := e.Repo.LatestByCorrelation(ctx, nil, correlationID)
	if err != nil {
		return domain.Artifact{}, notFound(err, "correlation", correlationID)
	}
	return a, nil
}
