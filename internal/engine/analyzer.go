package engine

import (
	"context"
	"fmt"

	"multi-asset-trading-bot/internal/broker"
	"multi-asset-trading-bot/internal/events"
)

// ReportCycleFailure categorizes a loop-level error and routes it: every
// failure is logged and pushed to the activity channel; an auth failure
// additionally marks the component critical and attempts a credential
// self-heal, since a rotated API key is the one fault a retry loop can
// never outwait.
func (s *Services) ReportCycleFailure(ctx context.Context, component string, err error) {
	kind := broker.KindOf(err)
	s.Logger.Error().Err(err).Str("component", component).Str("kind", string(kind)).Msg("Cycle failed")
	s.Bus.Activity(events.LevelError, fmt.Sprintf("%s cycle failed: %v", component, err), nil)

	if kind != broker.KindAuth {
		return
	}
	s.Bus.Publish(events.TagSystemStatus, map[string]interface{}{
		"component": component,
		"critical":  true,
		"reason":    "auth_failure",
	})
	if s.SelfHeal == nil {
		return
	}
	if healErr := s.SelfHeal(ctx); healErr != nil {
		s.Logger.Error().Err(healErr).Str("component", component).Msg("Credential self-heal failed")
		return
	}
	s.Logger.Warn().Str("component", component).Msg("Credentials reloaded after auth failure")
	s.Bus.Activity(events.LevelWarn, fmt.Sprintf("%s: credentials reloaded after auth failure", component), nil)
}
