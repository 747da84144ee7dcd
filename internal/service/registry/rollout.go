package registry

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mfehub/hub/internal/domain"
)

// ListDeployments returns deployment history for a microfrontend, optionally
// filtered by environment.
func (s Service) ListDeployments(ctx context.Context, mfeID, environmentID string, limit int) ([]domain.Deployment, error) {
	if _, err := s.mfes.GetMicrofrontendByID(ctx, mfeID); err != nil {
		return nil, err
	}
	return s.deployments.ListDeployments(ctx, mfeID, environmentID, limit)
}

// GetDeployment returns a deployment by identifier.
func (s Service) GetDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// DeleteDeployment removes a deployment row. An active canary rule targeting
// it is left in place; the resolver treats the dangling reference as dormant.
func (s Service) DeleteDeployment(ctx context.Context, deploymentID string) error {
	deployment, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if err := s.deployments.DeleteDeployment(ctx, deploymentID); err != nil {
		return err
	}
	s.invalidate(deployment.MicrofrontendID, deployment.EnvironmentID)
	mfe, err := s.mfes.GetMicrofrontendByID(ctx, deployment.MicrofrontendID)
	if err == nil {
		s.publish("deployment.deleted", mfe.ProjectID, map[string]string{"deployment_id": deploymentID})
	}
	s.logger.Info("deployment deleted", "deployment_id", deploymentID, "version", deployment.Version)
	return nil
}

// SetCanaryRuleInput carries a full canary rule replacement.
type SetCanaryRuleInput struct {
	MicrofrontendID string
	EnvironmentID   string
	DeploymentID    string
	Percentage      int
	Active          bool
	Overrides       map[string]bool
}

// SetCanaryRule replaces the rule for a pair atomically, overrides included.
func (s Service) SetCanaryRule(ctx context.Context, input SetCanaryRuleInput) (*domain.CanaryRule, error) {
	if input.Percentage < 0 || input.Percentage > 100 {
		return nil, errInvalidPercentage
	}
	if strings.TrimSpace(input.DeploymentID) == "" {
		return nil, errMissingDeployment
	}
	mfe, err := s.mfes.GetMicrofrontendByID(ctx, input.MicrofrontendID)
	if err != nil {
		return nil, err
	}
	if _, err := s.LiveProject(ctx, mfe.ProjectID); err != nil {
		return nil, err
	}
	if _, err := s.envs.GetEnvironmentByID(ctx, input.EnvironmentID); err != nil {
		return nil, err
	}
	target, err := s.deployments.GetDeploymentByID(ctx, input.DeploymentID)
	if err != nil {
		return nil, err
	}
	if target.MicrofrontendID != input.MicrofrontendID || target.EnvironmentID != input.EnvironmentID {
		return nil, errDeploymentPair
	}

	rule := &domain.CanaryRule{
		ID:              uuid.NewString(),
		MicrofrontendID: input.MicrofrontendID,
		EnvironmentID:   input.EnvironmentID,
		DeploymentID:    input.DeploymentID,
		Percentage:      input.Percentage,
		Active:          input.Active,
		CreatedAt:       time.Now().UTC(),
	}
	for userID, enabled := range input.Overrides {
		if strings.TrimSpace(userID) == "" {
			continue
		}
		rule.Overrides = append(rule.Overrides, domain.CanaryUserOverride{
			RuleID:  rule.ID,
			UserID:  userID,
			Enabled: enabled,
		})
	}
	if err := s.canaries.ReplaceCanaryRule(ctx, rule); err != nil {
		return nil, err
	}
	s.invalidate(input.MicrofrontendID, input.EnvironmentID)
	s.logger.Info("canary rule set",
		"microfrontend_id", input.MicrofrontendID,
		"environment_id", input.EnvironmentID,
		"deployment_id", input.DeploymentID,
		"percentage", input.Percentage,
		"active", input.Active,
		"overrides", len(rule.Overrides),
	)
	s.publish("canary.updated", mfe.ProjectID, rule)
	return rule, nil
}

// GetCanaryRule returns the active rule for a pair.
func (s Service) GetCanaryRule(ctx context.Context, mfeID, environmentID string) (*domain.CanaryRule, error) {
	return s.canaries.GetActiveCanaryRule(ctx, mfeID, environmentID)
}

// DeleteCanaryRule removes the rule for a pair.
func (s Service) DeleteCanaryRule(ctx context.Context, mfeID, environmentID string) error {
	if err := s.canaries.DeleteCanaryRule(ctx, mfeID, environmentID); err != nil {
		return err
	}
	s.invalidate(mfeID, environmentID)
	mfe, err := s.mfes.GetMicrofrontendByID(ctx, mfeID)
	if err == nil {
		s.publish("canary.deleted", mfe.ProjectID, map[string]string{"microfrontend_id": mfeID, "environment_id": environmentID})
	}
	return nil
}

// PinBaseline points the stable baseline of a pair at a specific deployment.
func (s Service) PinBaseline(ctx context.Context, mfeID, environmentID, deploymentID string) error {
	target, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if target.MicrofrontendID != mfeID || target.EnvironmentID != environmentID {
		return errDeploymentPair
	}
	pin := &domain.BaselinePin{
		MicrofrontendID: mfeID,
		EnvironmentID:   environmentID,
		DeploymentID:    deploymentID,
	}
	if err := s.pins.UpsertBaselinePin(ctx, pin); err != nil {
		return err
	}
	s.invalidate(mfeID, environmentID)
	mfe, err := s.mfes.GetMicrofrontendByID(ctx, mfeID)
	if err == nil {
		s.publish("baseline.pinned", mfe.ProjectID, pin)
	}
	s.logger.Info("baseline pinned", "microfrontend_id", mfeID, "environment_id", environmentID, "deployment_id", deploymentID)
	return nil
}

// UnpinBaseline restores latest-deployment baseline selection for a pair.
func (s Service) UnpinBaseline(ctx context.Context, mfeID, environmentID string) error {
	if err := s.pins.DeleteBaselinePin(ctx, mfeID, environmentID); err != nil {
		return err
	}
	s.invalidate(mfeID, environmentID)
	return nil
}
