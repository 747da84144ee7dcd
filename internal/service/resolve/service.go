package resolve

import (
	"context"
	"errors"

	"log/slog"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
)

// Outcome labels why a resolution picked its deployment.
type Outcome string

const (
	OutcomeBaseline        Outcome = "baseline"
	OutcomeCanaryBucket    Outcome = "canary_bucket"
	OutcomeCanaryOverride  Outcome = "canary_override"
	OutcomeExcludeOverride Outcome = "exclude_override"
)

// bucketGranularity is the basis-point resolution of the percentage split.
const bucketGranularity = 10000

// Service decides which deployment a specific caller receives. Resolution is
// a pure read; it never writes to the registry.
type Service struct {
	deployments repository.DeploymentRepository
	canaries    repository.CanaryRepository
	pins        repository.BaselinePinRepository
	cache       *Cache
	logger      *slog.Logger
}

// New returns a resolver. cache may be nil to disable snapshot caching.
func New(deployments repository.DeploymentRepository, canaries repository.CanaryRepository, pins repository.BaselinePinRepository, cache *Cache, logger *slog.Logger) Service {
	return Service{
		deployments: deployments,
		canaries:    canaries,
		pins:        pins,
		cache:       cache,
		logger:      logger,
	}
}

// Decision is a resolution result.
type Decision struct {
	Deployment *domain.Deployment
	Outcome    Outcome
}

// Resolve returns exactly one deployment for the caller. Explicit user
// overrides win over the percentage split in either direction; bucketing is
// deterministic so a user keeps the same version across page loads while the
// rule is unchanged. A dangling rule target falls back to baseline, never an
// error.
func (s Service) Resolve(ctx context.Context, mfeID, environmentID, userID, sessionKey string) (Decision, error) {
	snap, err := s.snapshot(ctx, mfeID, environmentID)
	if err != nil {
		return Decision{}, err
	}

	rule := snap.rule
	if rule == nil || !rule.Active || snap.target == nil || rule.Percentage == 0 {
		return Decision{Deployment: snap.baseline, Outcome: OutcomeBaseline}, nil
	}

	if userID != "" {
		for _, override := range rule.Overrides {
			if override.UserID != userID {
				continue
			}
			if override.Enabled {
				return Decision{Deployment: snap.target, Outcome: OutcomeCanaryOverride}, nil
			}
			return Decision{Deployment: snap.baseline, Outcome: OutcomeExcludeOverride}, nil
		}
	}

	subject := userID
	if subject == "" {
		subject = sessionKey
	}
	if subject == "" {
		// No identity at all: assignment cannot be sticky, so draw a
		// fresh subject per request to keep the split proportional.
		subject = uuid.NewString()
	}
	if Bucket(mfeID, environmentID, subject) < rule.Percentage*(bucketGranularity/100) {
		return Decision{Deployment: snap.target, Outcome: OutcomeCanaryBucket}, nil
	}
	return Decision{Deployment: snap.baseline, Outcome: OutcomeBaseline}, nil
}

// Bucket maps a caller to a basis point in [0, 10000). The hash input and
// algorithm are fixed (xxhash64 of "mfeID|environmentID|subject") so
// resolution is reproducible across restarts and implementations.
func Bucket(mfeID, environmentID, subject string) int {
	sum := xxhash.Sum64String(mfeID + "|" + environmentID + "|" + subject)
	return int(sum % bucketGranularity)
}

// snapshot loads the baseline/rule pair, via cache when enabled.
func (s Service) snapshot(ctx context.Context, mfeID, environmentID string) (snapshot, error) {
	if s.cache != nil {
		if snap, ok := s.cache.get(mfeID, environmentID); ok {
			return snap, nil
		}
	}

	baseline, err := s.baseline(ctx, mfeID, environmentID)
	if err != nil {
		return snapshot{}, err
	}

	snap := snapshot{baseline: baseline}
	rule, err := s.canaries.GetActiveCanaryRule(ctx, mfeID, environmentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return snapshot{}, err
	}
	if rule != nil {
		snap.rule = rule
		target, err := s.deployments.GetDeploymentByID(ctx, rule.DeploymentID)
		switch {
		case err == nil:
			snap.target = target
		case errors.Is(err, repository.ErrNotFound):
			// Deleted target: the rule is dormant until repointed.
			s.logger.Warn("canary rule targets a deleted deployment",
				"microfrontend_id", mfeID,
				"environment_id", environmentID,
				"deployment_id", rule.DeploymentID,
			)
		default:
			return snapshot{}, err
		}
	}

	if s.cache != nil {
		s.cache.set(mfeID, environmentID, snap)
	}
	return snap, nil
}

// baseline is the pinned stable deployment when a live pin exists, otherwise
// the most recently ingested one.
func (s Service) baseline(ctx context.Context, mfeID, environmentID string) (*domain.Deployment, error) {
	pin, err := s.pins.GetBaselinePin(ctx, mfeID, environmentID)
	if err == nil {
		pinned, err := s.deployments.GetDeploymentByID(ctx, pin.DeploymentID)
		if err == nil {
			return pinned, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return s.deployments.GetLatestDeployment(ctx, mfeID, environmentID)
}
