// Package entitlement enforces plan-tier limits and feature gates.
//
// A user's tier is resolved from their most recent subscription row; users
// with no subscription are on the free tier. Limits use -1 to mean unlimited.
// Gate checks run before the guarded operation and return a *ForbiddenError
// carrying the feature name and the lowest tier that unlocks it, so handlers
// can render actionable upgrade errors.
package entitlement

import (
	"context"
	"fmt"
)

// Tier names form a closed, ordered set.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Unlimited marks a numeric limit with no cap.
const Unlimited = -1

// Features gated per tier.
const (
	FeatureWebhooks         = "webhooks"
	FeatureAnalytics        = "analytics"
	FeatureCloudCompilation = "cloud_compilation"
	FeatureNodeSupport      = "node_support"
)

// Limits describes everything a tier permits.
type Limits struct {
	Tier                  string
	MaxProjects           int
	MaxLicensesPerProject int
	TeamSeats             int
	Webhooks              bool
	Analytics             bool
	CloudCompilation      bool
	NodeSupport           bool
}

// tierLimits is the per-tier capability table.
var tierLimits = map[string]Limits{
	TierFree: {
		Tier:                  TierFree,
		MaxProjects:           1,
		MaxLicensesPerProject: 5,
		TeamSeats:             1,
		Webhooks:              false,
		Analytics:             false,
		CloudCompilation:      false,
		NodeSupport:           false,
	},
	TierPro: {
		Tier:                  TierPro,
		MaxProjects:           10,
		MaxLicensesPerProject: 100,
		TeamSeats:             3,
		Webhooks:              true,
		Analytics:             true,
		CloudCompilation:      true,
		NodeSupport:           false,
	},
	TierEnterprise: {
		Tier:                  TierEnterprise,
		MaxProjects:           Unlimited,
		MaxLicensesPerProject: Unlimited,
		TeamSeats:             Unlimited,
		Webhooks:              true,
		Analytics:             true,
		CloudCompilation:      true,
		NodeSupport:           true,
	},
}

// LimitsForTier returns the capability table entry for a tier. Unknown tier
// names fall back to free, the safest interpretation of bad data.
func LimitsForTier(tier string) Limits {
	if l, ok := tierLimits[tier]; ok {
		return l
	}
	return tierLimits[TierFree]
}

// ForbiddenError reports a denied operation together with the feature that was
// gated and the lowest tier that would allow it.
type ForbiddenError struct {
	Feature      string
	RequiredTier string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("feature %q requires the %s plan", e.Feature, e.RequiredTier)
}

// LimitError reports a denied operation caused by a numeric cap.
type LimitError struct {
	Resource string
	Limit    int
	Tier     string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit reached (%d on the %s plan)", e.Resource, e.Limit, e.Tier)
}

// SubscriptionResolver resolves the latest plan tier for a user.
// *repositories.SubscriptionRepository satisfies it via an adapter in the Gate.
type SubscriptionResolver interface {
	LatestTier(ctx context.Context, userID string) (string, error)
}

// Gate answers entitlement questions for a user.
type Gate struct {
	subs SubscriptionResolver
}

// NewGate creates a Gate backed by a subscription resolver
func NewGate(subs SubscriptionResolver) *Gate {
	return &Gate{subs: subs}
}

// ResolveLimits returns the limits for the user's current tier
func (g *Gate) ResolveLimits(ctx context.Context, userID string) (Limits, error) {
	tier, err := g.subs.LatestTier(ctx, userID)
	if err != nil {
		return Limits{}, err
	}
	return LimitsForTier(tier), nil
}

// RequireFeature returns a *ForbiddenError when the user's tier does not
// include the named feature.
func (g *Gate) RequireFeature(ctx context.Context, userID, feature string) error {
	limits, err := g.ResolveLimits(ctx, userID)
	if err != nil {
		return err
	}

	enabled, required := featureState(limits, feature)
	if !enabled {
		return &ForbiddenError{Feature: feature, RequiredTier: required}
	}
	return nil
}

// CheckProjectQuota returns a *LimitError when creating one more project would
// exceed the user's tier cap. current is the user's present project count.
func (g *Gate) CheckProjectQuota(ctx context.Context, userID string, current int) error {
	limits, err := g.ResolveLimits(ctx, userID)
	if err != nil {
		return err
	}
	if limits.MaxProjects != Unlimited && current >= limits.MaxProjects {
		return &LimitError{Resource: "project", Limit: limits.MaxProjects, Tier: limits.Tier}
	}
	return nil
}

// CheckLicenseQuota returns a *LimitError when issuing one more license under
// a project would exceed the user's tier cap.
func (g *Gate) CheckLicenseQuota(ctx context.Context, userID string, current int) error {
	limits, err := g.ResolveLimits(ctx, userID)
	if err != nil {
		return err
	}
	if limits.MaxLicensesPerProject != Unlimited && current >= limits.MaxLicensesPerProject {
		return &LimitError{Resource: "license", Limit: limits.MaxLicensesPerProject, Tier: limits.Tier}
	}
	return nil
}

// featureState reports whether a feature is enabled for the given limits, and
// the lowest tier that enables it.
func featureState(limits Limits, feature string) (enabled bool, requiredTier string) {
	switch feature {
	case FeatureWebhooks:
		return limits.Webhooks, TierPro
	case FeatureAnalytics:
		return limits.Analytics, TierPro
	case FeatureCloudCompilation:
		return limits.CloudCompilation, TierPro
	case FeatureNodeSupport:
		return limits.NodeSupport, TierEnterprise
	default:
		// Unknown features are denied outright rather than silently allowed.
		return false, TierEnterprise
	}
}
