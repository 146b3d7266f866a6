package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/agent/providers"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"rate limit", &providers.ProviderError{Reason: providers.FailoverRateLimit, Message: "slow down"}, KindRateLimited},
		{"billing", &providers.ProviderError{Reason: providers.FailoverBilling}, KindRateLimited},
		{"auth inside loop error", &agent.LoopError{Phase: agent.PhaseAct, Step: 2, Cause: &providers.ProviderError{Reason: providers.FailoverAuth}}, KindAuthentication},
		{"server error", &providers.ProviderError{Reason: providers.FailoverServerError}, KindServiceUnavailable},
		{"model unavailable", &providers.ProviderError{Reason: providers.FailoverModelUnavailable}, KindServiceUnavailable},
		{"content filter", &providers.ProviderError{Reason: providers.FailoverContentFilter}, KindContentFiltered},
		{"invalid request", &providers.ProviderError{Reason: providers.FailoverInvalidRequest}, KindInvalidRequest},
		{"context cancelled", fmt.Errorf("generate: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"unstructured timeout", errors.New("read tcp: i/o timeout"), KindTimeout},
		{"no provider", agent.ErrNoProvider, KindInternal},
		{"unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got.Kind != tt.want {
				t.Fatalf("ClassifyError() kind = %s, want %s", got.Kind, tt.want)
			}
			if got.Message == "" {
				t.Error("empty user message")
			}
			if !errors.Is(got, tt.err) {
				t.Error("cause not reachable through Unwrap")
			}
		})
	}
}

func TestUserErrorHidesCause(t *testing.T) {
	ue := ClassifyError(errors.New("upstream said: invalid api key sk-live-123"))
	if ue.Kind != KindAuthentication {
		t.Fatalf("kind = %s", ue.Kind)
	}
	if strings.Contains(ue.Error(), "sk-live") {
		t.Fatalf("Error() leaks the cause: %q", ue.Error())
	}
	if again := ClassifyError(fmt.Errorf("wrapped: %w", ue)); again != ue {
		t.Fatal("classifying a UserError twice changed it")
	}
	if ClassifyError(nil) != nil {
		t.Fatal("ClassifyError(nil) != nil")
	}
}
