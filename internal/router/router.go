// Package router picks which model tier serves a job. Selection is a
// pure function of the request shape so the same conversation state
// always routes the same way.
package router

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/config"
)

// Tier orders model capability. Higher tiers cost more and answer
// slower; the router reaches for them only as fallbacks or when the
// request is demonstrably complex.
type Tier int

const (
	TierLite Tier = iota
	TierStandard
	TierPower
)

func (t Tier) String() string {
	switch t {
	case TierLite:
		return "lite"
	case TierStandard:
		return "standard"
	case TierPower:
		return "power"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

const (
	DefaultToolThreshold    = 5
	DefaultMessageThreshold = 15
)

// RouteContext is the request shape the router decides on.
type RouteContext struct {
	Channel      string
	ToolCount    int
	MessageCount int
}

// Selection is the routing decision: a primary model plus an escalation
// chain to walk on provider failure.
type Selection struct {
	Primary   string
	Fallbacks []string
	Tier      Tier
	Reason    string
}

// Router maps request shape to model tier using configured thresholds
// and per-tier model names.
type Router struct {
	toolThreshold    int
	messageThreshold int
	providerMode     string
	models           map[Tier]string
}

func New(cfg config.RouterConfig) *Router {
	if cfg.ToolThreshold <= 0 {
		cfg.ToolThreshold = DefaultToolThreshold
	}
	if cfg.MessageThreshold <= 0 {
		cfg.MessageThreshold = DefaultMessageThreshold
	}
	return &Router{
		toolThreshold:    cfg.ToolThreshold,
		messageThreshold: cfg.MessageThreshold,
		providerMode:     cfg.ProviderMode,
		models: map[Tier]string{
			TierLite:     cfg.LiteModel,
			TierStandard: cfg.StandardModel,
			TierPower:    cfg.PowerModel,
		},
	}
}

// Select routes a request. WhatsApp traffic always takes the lite tier
// regardless of complexity; everywhere else a request with many tools
// in scope or a long conversation starts on standard with power as the
// fallback, and everything else starts on lite with the full escalation
// chain. The power tier is never a primary.
func (r *Router) Select(rc RouteContext) Selection {
	if strings.EqualFold(rc.Channel, "whatsapp") {
		return Selection{
			Primary:   r.models[TierLite],
			Fallbacks: nil,
			Tier:      TierLite,
			Reason:    "whatsapp_lite_only",
		}
	}
	if rc.ToolCount >= r.toolThreshold || rc.MessageCount >= r.messageThreshold {
		return Selection{
			Primary:   r.models[TierStandard],
			Fallbacks: []string{r.models[TierPower]},
			Tier:      TierStandard,
			Reason:    fmt.Sprintf("complex tools=%d messages=%d", rc.ToolCount, rc.MessageCount),
		}
	}
	return Selection{
		Primary:   r.models[TierLite],
		Fallbacks: []string{r.models[TierStandard], r.models[TierPower]},
		Tier:      TierLite,
		Reason:    "simple",
	}
}

// ParseModelString splits a "provider/model" string into provider ID
// and model name. A bare model name yields an empty provider.
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}

// CheckCompat verifies that a model's provider prefix is usable under
// the configured provider mode. An empty mode or an unprefixed model
// accepts anything.
func (r *Router) CheckCompat(model string) error {
	if r.providerMode == "" {
		return nil
	}
	provID, _ := ParseModelString(model)
	if provID == "" {
		return nil
	}
	if !strings.EqualFold(provID, r.providerMode) {
		return fmt.Errorf("model %q requires provider %q but mode is %q", model, provID, r.providerMode)
	}
	return nil
}

// Candidates returns the selection's primary and fallbacks filtered
// down to models compatible with the provider mode, in escalation
// order.
func (r *Router) Candidates(sel Selection) []string {
	out := make([]string, 0, 1+len(sel.Fallbacks))
	for _, m := range append([]string{sel.Primary}, sel.Fallbacks...) {
		if m == "" {
			continue
		}
		if err := r.CheckCompat(m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
