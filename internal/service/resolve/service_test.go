package resolve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mfehub/hub/internal/domain"
	"github.com/mfehub/hub/internal/repository"
)

type stubDeploymentRepository struct {
	byID   map[string]domain.Deployment
	latest map[string]domain.Deployment
}

func pairKey(mfeID, environmentID string) string {
	return mfeID + "|" + environmentID
}

func (s *stubDeploymentRepository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return nil
}

func (s *stubDeploymentRepository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	if d, ok := s.byID[deploymentID]; ok {
		return &d, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubDeploymentRepository) GetDeploymentByVersion(ctx context.Context, mfeID, environmentID, version string) (*domain.Deployment, error) {
	return nil, repository.ErrNotFound
}

func (s *stubDeploymentRepository) GetLatestDeployment(ctx context.Context, mfeID, environmentID string) (*domain.Deployment, error) {
	if d, ok := s.latest[pairKey(mfeID, environmentID)]; ok {
		return &d, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubDeploymentRepository) ListDeployments(ctx context.Context, mfeID, environmentID string, limit int) ([]domain.Deployment, error) {
	return nil, nil
}

func (s *stubDeploymentRepository) DeleteDeployment(ctx context.Context, deploymentID string) error {
	return nil
}

type stubCanaryRepository struct {
	rules map[string]domain.CanaryRule
	reads int
}

func (s *stubCanaryRepository) ReplaceCanaryRule(ctx context.Context, rule *domain.CanaryRule) error {
	return nil
}

func (s *stubCanaryRepository) GetActiveCanaryRule(ctx context.Context, mfeID, environmentID string) (*domain.CanaryRule, error) {
	s.reads++
	if r, ok := s.rules[pairKey(mfeID, environmentID)]; ok && r.Active {
		return &r, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubCanaryRepository) DeleteCanaryRule(ctx context.Context, mfeID, environmentID string) error {
	return nil
}

type stubPinRepository struct {
	pins map[string]domain.BaselinePin
}

func (s *stubPinRepository) UpsertBaselinePin(ctx context.Context, pin *domain.BaselinePin) error {
	return nil
}

func (s *stubPinRepository) GetBaselinePin(ctx context.Context, mfeID, environmentID string) (*domain.BaselinePin, error) {
	if p, ok := s.pins[pairKey(mfeID, environmentID)]; ok {
		return &p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubPinRepository) DeleteBaselinePin(ctx context.Context, mfeID, environmentID string) error {
	return nil
}

const (
	testMfe = "mfe-1"
	testEnv = "env-1"
)

func testService(deployments *stubDeploymentRepository, canaries *stubCanaryRepository, pins *stubPinRepository, cache *Cache) Service {
	if deployments == nil {
		deployments = &stubDeploymentRepository{}
	}
	if canaries == nil {
		canaries = &stubCanaryRepository{}
	}
	if pins == nil {
		pins = &stubPinRepository{}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(deployments, canaries, pins, cache, log)
}

func fixtureRepos(percentage int, active bool) (*stubDeploymentRepository, *stubCanaryRepository) {
	baseline := domain.Deployment{ID: "dep-base", MicrofrontendID: testMfe, EnvironmentID: testEnv, Version: "1.0.0"}
	target := domain.Deployment{ID: "dep-canary", MicrofrontendID: testMfe, EnvironmentID: testEnv, Version: "2.0.0"}
	deployments := &stubDeploymentRepository{
		byID:   map[string]domain.Deployment{baseline.ID: baseline, target.ID: target},
		latest: map[string]domain.Deployment{pairKey(testMfe, testEnv): baseline},
	}
	canaries := &stubCanaryRepository{
		rules: map[string]domain.CanaryRule{
			pairKey(testMfe, testEnv): {
				ID:              "rule-1",
				MicrofrontendID: testMfe,
				EnvironmentID:   testEnv,
				DeploymentID:    target.ID,
				Percentage:      percentage,
				Active:          active,
			},
		},
	}
	return deployments, canaries
}

func TestResolveBaselineWithoutRule(t *testing.T) {
	baseline := domain.Deployment{ID: "dep-base", MicrofrontendID: testMfe, EnvironmentID: testEnv}
	deployments := &stubDeploymentRepository{
		byID:   map[string]domain.Deployment{baseline.ID: baseline},
		latest: map[string]domain.Deployment{pairKey(testMfe, testEnv): baseline},
	}
	svc := testService(deployments, nil, nil, nil)

	decision, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if decision.Outcome != OutcomeBaseline {
		t.Fatalf("expected baseline outcome, got %s", decision.Outcome)
	}
	if decision.Deployment.ID != "dep-base" {
		t.Fatalf("expected baseline deployment, got %s", decision.Deployment.ID)
	}
}

func TestResolveNoDeploymentsAtAll(t *testing.T) {
	svc := testService(nil, nil, nil, nil)
	if _, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", ""); err != repository.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveIsDeterministicPerUser(t *testing.T) {
	deployments, canaries := fixtureRepos(50, true)
	svc := testService(deployments, canaries, nil, nil)

	first, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-42", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-42", "")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if again.Deployment.ID != first.Deployment.ID {
			t.Fatalf("resolution flapped between %s and %s", first.Deployment.ID, again.Deployment.ID)
		}
	}
}

func TestResolvePercentageBoundaries(t *testing.T) {
	deployments, canaries := fixtureRepos(0, true)
	svc := testService(deployments, canaries, nil, nil)
	for i := 0; i < 50; i++ {
		decision, err := svc.Resolve(context.Background(), testMfe, testEnv, fmt.Sprintf("user-%d", i), "")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if decision.Outcome != OutcomeBaseline {
			t.Fatalf("percentage 0 leaked user %d into the canary", i)
		}
	}

	deployments, canaries = fixtureRepos(100, true)
	svc = testService(deployments, canaries, nil, nil)
	for i := 0; i < 50; i++ {
		decision, err := svc.Resolve(context.Background(), testMfe, testEnv, fmt.Sprintf("user-%d", i), "")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if decision.Outcome != OutcomeCanaryBucket {
			t.Fatalf("percentage 100 left user %d on baseline", i)
		}
	}
}

func TestResolveSplitProportion(t *testing.T) {
	deployments, canaries := fixtureRepos(10, true)
	svc := testService(deployments, canaries, nil, nil)

	const users = 10000
	canary := 0
	for i := 0; i < users; i++ {
		decision, err := svc.Resolve(context.Background(), testMfe, testEnv, fmt.Sprintf("user-%d", i), "")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if decision.Outcome == OutcomeCanaryBucket {
			canary++
		}
	}
	// 10% of 10000 with a generous tolerance for hash clustering.
	if canary < 900 || canary > 1100 {
		t.Fatalf("expected roughly 1000 canary users, got %d", canary)
	}
}

func TestResolveInactiveRuleIsDormant(t *testing.T) {
	deployments, canaries := fixtureRepos(100, false)
	svc := testService(deployments, canaries, nil, nil)

	decision, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if decision.Outcome != OutcomeBaseline {
		t.Fatalf("inactive rule still resolved to %s", decision.Outcome)
	}
}

func TestResolveOverridesBeatPercentage(t *testing.T) {
	deployments, canaries := fixtureRepos(0, true)
	rule := canaries.rules[pairKey(testMfe, testEnv)]
	rule.Overrides = []domain.CanaryUserOverride{
		{RuleID: rule.ID, UserID: "always-in", Enabled: true},
		{RuleID: rule.ID, UserID: "always-out", Enabled: false},
	}
	// Overrides only fire on an active rule with a positive percentage path;
	// keep the rule live so the override scan runs.
	rule.Percentage = 50
	canaries.rules[pairKey(testMfe, testEnv)] = rule
	svc := testService(deployments, canaries, nil, nil)

	in, err := svc.Resolve(context.Background(), testMfe, testEnv, "always-in", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if in.Outcome != OutcomeCanaryOverride || in.Deployment.ID != "dep-canary" {
		t.Fatalf("enabled override ignored: %+v", in)
	}

	out, err := svc.Resolve(context.Background(), testMfe, testEnv, "always-out", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if out.Outcome != OutcomeExcludeOverride || out.Deployment.ID != "dep-base" {
		t.Fatalf("disabled override ignored: %+v", out)
	}
}

func TestResolveDanglingTargetFallsBackToBaseline(t *testing.T) {
	deployments, canaries := fixtureRepos(100, true)
	delete(deployments.byID, "dep-canary")
	svc := testService(deployments, canaries, nil, nil)

	decision, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", "")
	if err != nil {
		t.Fatalf("expected fallback, got error: %v", err)
	}
	if decision.Outcome != OutcomeBaseline || decision.Deployment.ID != "dep-base" {
		t.Fatalf("dangling target did not fall back: %+v", decision)
	}
}

func TestResolveUsesSessionKeyWhenAnonymous(t *testing.T) {
	deployments, canaries := fixtureRepos(50, true)
	svc := testService(deployments, canaries, nil, nil)

	first, err := svc.Resolve(context.Background(), testMfe, testEnv, "", "session-abc")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := svc.Resolve(context.Background(), testMfe, testEnv, "", "session-abc")
		if err != nil {
			t.Fatalf("Resolve returned error: %v", err)
		}
		if again.Deployment.ID != first.Deployment.ID {
			t.Fatalf("session-keyed resolution flapped")
		}
	}
}

func TestResolvePinnedBaselineWins(t *testing.T) {
	deployments, canaries := fixtureRepos(0, false)
	pinned := domain.Deployment{ID: "dep-pinned", MicrofrontendID: testMfe, EnvironmentID: testEnv, Version: "0.9.0"}
	deployments.byID[pinned.ID] = pinned
	pins := &stubPinRepository{
		pins: map[string]domain.BaselinePin{
			pairKey(testMfe, testEnv): {MicrofrontendID: testMfe, EnvironmentID: testEnv, DeploymentID: pinned.ID},
		},
	}
	svc := testService(deployments, canaries, pins, nil)

	decision, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if decision.Deployment.ID != "dep-pinned" {
		t.Fatalf("expected pinned baseline, got %s", decision.Deployment.ID)
	}
}

func TestResolveDanglingPinFallsBackToLatest(t *testing.T) {
	deployments, canaries := fixtureRepos(0, false)
	pins := &stubPinRepository{
		pins: map[string]domain.BaselinePin{
			pairKey(testMfe, testEnv): {MicrofrontendID: testMfe, EnvironmentID: testEnv, DeploymentID: "dep-gone"},
		},
	}
	svc := testService(deployments, canaries, pins, nil)

	decision, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", "")
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if decision.Deployment.ID != "dep-base" {
		t.Fatalf("expected latest baseline, got %s", decision.Deployment.ID)
	}
}

func TestCacheServesSnapshotUntilInvalidated(t *testing.T) {
	deployments, canaries := fixtureRepos(0, false)
	cache := NewCache(time.Minute, 16)
	svc := testService(deployments, canaries, nil, cache)

	if _, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", ""); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	reads := canaries.reads
	if _, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", ""); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if canaries.reads != reads {
		t.Fatalf("expected cached snapshot, repository was read again")
	}

	cache.Invalidate(testMfe, testEnv)
	if _, err := svc.Resolve(context.Background(), testMfe, testEnv, "user-1", ""); err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if canaries.reads == reads {
		t.Fatalf("expected repository read after invalidation")
	}
}

func TestCacheBoundedEviction(t *testing.T) {
	cache := NewCache(time.Minute, 4)
	for i := 0; i < 20; i++ {
		cache.set(fmt.Sprintf("mfe-%d", i), testEnv, snapshot{})
	}
	if len(cache.entries) > 4 {
		t.Fatalf("cache grew to %d entries", len(cache.entries))
	}
}

func TestBucketIsStableAcrossInputs(t *testing.T) {
	a := Bucket(testMfe, testEnv, "subject")
	b := Bucket(testMfe, testEnv, "subject")
	if a != b {
		t.Fatalf("bucket not deterministic: %d vs %d", a, b)
	}
	if a < 0 || a >= 10000 {
		t.Fatalf("bucket out of range: %d", a)
	}
	if Bucket(testMfe, "env-2", "subject") == a && Bucket("mfe-2", testEnv, "subject") == a {
		t.Fatalf("bucket ignores pair identity")
	}
}
