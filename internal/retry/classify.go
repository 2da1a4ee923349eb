// Package retry classifies provider failures into a small taxonomy and runs
// operations with exponential backoff and jitter, consulting the structured
// provider error kind before falling back to string matching.
package retry

import (
	"context"
	"errors"
	"strings"

	"github.com/openclaw/miniagent/internal/model"
)

// Kind is the coarse classification of a failed operation, per the error
// handling taxonomy. Names are kinds, not Go types.
type Kind string

const (
	KindRateLimit       Kind = "rate_limit"
	KindAuth            Kind = "auth"
	KindTimeout         Kind = "timeout"
	KindBilling         Kind = "billing"
	KindFormat          Kind = "format"
	KindContextOverflow Kind = "context_overflow"
	KindCancelled       Kind = "cancelled"
	KindToolFailure     Kind = "tool_failure"
	KindUnknown         Kind = "unknown"
)

var (
	rateLimitPatterns = []string{"rate limit", "rate_limit", "429", "too many requests"}
	authPatterns      = []string{"unauthorized", "401", "403", "invalid api key", "authentication", "forbidden"}
	timeoutPatterns   = []string{"timeout", "timed out", "deadline exceeded"}
	billingPatterns   = []string{"billing", "insufficient quota", "insufficient_quota", "payment required", "quota exceeded"}
	formatPatterns    = []string{"invalid request", "invalid_request", "schema", "malformed", "format"}

	overflowPatterns = []string{"request too large", "context length exceeded", "prompt is too long"}
)

// Classify returns the coarse kind for a free-form error. If ctx was
// cancelled, Classify always returns KindCancelled regardless of the error
// text, since cancellation signals bypass retry and classification alike.
// A *model.ProviderError in err's chain is consulted first for its
// structured Kind(); otherwise classification falls back to case-insensitive
// substring matching against err.Error().
func Classify(ctx context.Context, err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if ctx != nil && ctx.Err() != nil {
		return KindCancelled
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if pe, ok := model.AsProviderError(err); ok {
		switch pe.Kind() {
		case model.ProviderErrorKindAuth:
			return KindAuth
		case model.ProviderErrorKindRateLimited:
			return KindRateLimit
		case model.ProviderErrorKindInvalidRequest:
			return KindFormat
		}
	}
	text := strings.ToLower(err.Error())
	if IsContextOverflow(text) {
		return KindContextOverflow
	}
	switch {
	case matchAny(text, rateLimitPatterns):
		return KindRateLimit
	case matchAny(text, authPatterns):
		return KindAuth
	case matchAny(text, timeoutPatterns):
		return KindTimeout
	case matchAny(text, billingPatterns):
		return KindBilling
	case matchAny(text, formatPatterns):
		return KindFormat
	default:
		return KindUnknown
	}
}

// IsContextOverflow reports whether a lowercased error string indicates the
// provider rejected the request for exceeding its context window. Patterns
// include the fixed phrases plus the combination "413" together with "too
// large" (neither alone is conclusive, their conjunction is).
func IsContextOverflow(lowered string) bool {
	if matchAny(lowered, overflowPatterns) {
		return true
	}
	return strings.Contains(lowered, "413") && strings.Contains(lowered, "too large")
}

// Failover reports whether kind is worth trying a different provider for.
// Every kind except timeout is failover-worthy: a timeout is assumed to be a
// property of the request (e.g. size), not the provider.
func Failover(k Kind) bool {
	return k != KindTimeout
}

func matchAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
