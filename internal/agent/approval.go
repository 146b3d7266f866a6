package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/pkg/models"
)

// DefaultApprovalTimeout bounds how long a call waits for a human decision.
const DefaultApprovalTimeout = 5 * time.Minute

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalTimedOut ApprovalStatus = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalPending
}

// ApprovalRequest represents a tool call waiting for human confirmation.
type ApprovalRequest struct {
	ID            string          `json:"id"`
	CallID        string          `json:"call_id"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args,omitempty"`
	Requester     string          `json:"requester,omitempty"`
	AdminRequired bool            `json:"admin_required"`
	Status        ApprovalStatus  `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	DecidedAt     time.Time       `json:"decided_at,omitempty"`
	DecidedBy     string          `json:"decided_by,omitempty"`
}

// ApprovalResponse is a human decision. EditedArgs, when set, replaces the
// call's arguments; trusted parameters are re-injected afterwards.
type ApprovalResponse struct {
	Approved   bool            `json:"approved"`
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
}

// ApprovalPolicy is the operator-level approval configuration.
type ApprovalPolicy struct {
	// ForceAll requires approval for every call. Admin-enforced.
	ForceAll bool `yaml:"force_all" json:"force_all"`

	// AdminRequired maps a server name to function patterns that always
	// require approval. Patterns support "*", "prefix*" and "*suffix".
	AdminRequired map[string][]string `yaml:"admin_required" json:"admin_required,omitempty"`

	// RequireByDefault requires approval for every unlisted call.
	// Admin-enforced when true; when false users may opt in.
	RequireByDefault bool `yaml:"require_by_default" json:"require_by_default"`
}

// Preferences are per-user approval settings.
type Preferences struct {
	// RequireApproval opts the user into confirming non-admin calls.
	RequireApproval bool `json:"require_approval"`

	// AutoApprove skips prompting for every non-admin call.
	AutoApprove bool `json:"auto_approve"`

	// AutoApproveTools skips prompting for the listed non-admin tools.
	AutoApproveTools []string `json:"auto_approve_tools,omitempty"`
}

func (p Preferences) autoApproves(tool string) bool {
	if p.AutoApprove {
		return true
	}
	_, fn := models.SplitToolName(tool)
	return matchesPattern(p.AutoApproveTools, tool) || matchesPattern(p.AutoApproveTools, fn)
}

// RequiresApproval evaluates the policy for a qualified tool name. The first
// matching rule wins: ForceAll, then the server's admin list, then the
// default.
func RequiresApproval(tool string, policy *ApprovalPolicy) (required bool, adminEnforced bool) {
	if policy == nil {
		return false, false
	}
	if policy.ForceAll {
		return true, true
	}
	server, fn := models.SplitToolName(tool)
	if matchesPattern(policy.AdminRequired[server], fn) {
		return true, true
	}
	if policy.RequireByDefault {
		return true, true
	}
	return false, false
}

// ShouldPrompt combines the policy decision with user preferences.
// Admin-enforced calls always prompt; auto-approve only affects the rest.
func ShouldPrompt(tool string, policy *ApprovalPolicy, prefs Preferences) (prompt bool, adminEnforced bool) {
	required, admin := RequiresApproval(tool, policy)
	if admin {
		return true, true
	}
	if required || prefs.RequireApproval {
		return !prefs.autoApproves(tool), false
	}
	return false, false
}

type pendingApproval struct {
	req *ApprovalRequest
	ch  chan ApprovalResponse
}

// ApprovalGate owns the policy and the in-flight approval requests.
// Requests live only in memory and end with a response or a timeout.
type ApprovalGate struct {
	policy atomic.Pointer[ApprovalPolicy]

	mu      sync.Mutex
	pending map[string]*pendingApproval

	timeout    time.Duration
	onDecision func(ApprovalRequest)
}

// NewApprovalGate creates a gate. A nil policy requires nothing.
func NewApprovalGate(policy *ApprovalPolicy) *ApprovalGate {
	g := &ApprovalGate{
		pending: make(map[string]*pendingApproval),
		timeout: DefaultApprovalTimeout,
	}
	g.SetPolicy(policy)
	return g
}

// Policy returns the current policy.
func (g *ApprovalGate) Policy() *ApprovalPolicy {
	return g.policy.Load()
}

// SetPolicy swaps the policy. Requests already pending keep their decision.
func (g *ApprovalGate) SetPolicy(policy *ApprovalPolicy) {
	if policy == nil {
		policy = &ApprovalPolicy{}
	}
	g.policy.Store(policy)
}

// SetTimeout changes how long new requests wait for a decision.
func (g *ApprovalGate) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultApprovalTimeout
	}
	g.mu.Lock()
	g.timeout = d
	g.mu.Unlock()
}

// Timeout returns the current decision timeout.
func (g *ApprovalGate) Timeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

// OnDecision registers a callback invoked once per request when it
// reaches a terminal state.
func (g *ApprovalGate) OnDecision(fn func(ApprovalRequest)) {
	g.mu.Lock()
	g.onDecision = fn
	g.mu.Unlock()
}

// Check decides whether a call must wait for a human.
func (g *ApprovalGate) Check(tool string, prefs Preferences) (prompt bool, adminEnforced bool) {
	return ShouldPrompt(tool, g.Policy(), prefs)
}

// Create registers a pending request.
func (g *ApprovalGate) Create(call models.ToolCall, args json.RawMessage, requester string, adminEnforced bool) *ApprovalRequest {
	now := time.Now()
	timeout := g.Timeout()
	req := &ApprovalRequest{
		ID:            uuid.NewString(),
		CallID:        call.ID,
		Tool:          call.Name,
		Args:          append(json.RawMessage(nil), args...),
		Requester:     requester,
		AdminRequired: adminEnforced,
		Status:        ApprovalPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(timeout),
	}
	g.mu.Lock()
	g.pending[req.ID] = &pendingApproval{req: req, ch: make(chan ApprovalResponse, 1)}
	g.mu.Unlock()
	snapshot := *req
	return &snapshot
}

// Respond delivers a decision for a pending request.
func (g *ApprovalGate) Respond(id string, resp ApprovalResponse) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok || p.req.Status.Terminal() {
		return ErrApprovalNotFound
	}
	select {
	case p.ch <- resp:
		return nil
	default:
		return errors.New("approval request already answered")
	}
}

// Wait blocks until the request is answered, times out, or ctx ends.
// It returns the approved response, or ErrApprovalRejected /
// ErrApprovalTimeout. A cancelled context counts as a rejection.
func (g *ApprovalGate) Wait(ctx context.Context, id string) (*ApprovalResponse, ApprovalStatus, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return nil, "", ErrApprovalNotFound
	}

	timer := time.NewTimer(time.Until(p.req.ExpiresAt))
	defer timer.Stop()

	var (
		resp    ApprovalResponse
		got     bool
		timeout bool
	)
	select {
	case resp = <-p.ch:
		got = true
	case <-timer.C:
		timeout = true
	case <-ctx.Done():
	}

	g.mu.Lock()
	if !got {
		// A response may have raced the timer.
		select {
		case resp = <-p.ch:
			got = true
		default:
		}
	}
	delete(g.pending, id)
	switch {
	case got && resp.Approved:
		p.req.Status = ApprovalApproved
	case got:
		p.req.Status = ApprovalRejected
	case timeout:
		p.req.Status = ApprovalTimedOut
	default:
		p.req.Status = ApprovalRejected
	}
	p.req.DecidedAt = time.Now()
	p.req.DecidedBy = resp.DecidedBy
	final := *p.req
	onDecision := g.onDecision
	g.mu.Unlock()

	if onDecision != nil {
		onDecision(final)
	}

	switch final.Status {
	case ApprovalApproved:
		return &resp, final.Status, nil
	case ApprovalTimedOut:
		return nil, final.Status, ErrApprovalTimeout
	default:
		if !got && ctx.Err() != nil {
			return nil, final.Status, errors.Join(ErrApprovalRejected, ctx.Err())
		}
		return nil, final.Status, ErrApprovalRejected
	}
}

// Pending returns a snapshot of requests still awaiting a decision,
// oldest first.
func (g *ApprovalGate) Pending() []ApprovalRequest {
	g.mu.Lock()
	out := make([]ApprovalRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, *p.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// matchesPattern checks if name matches any pattern in the list.
// Supports exact match, "*", "prefix*" and "*suffix".
func matchesPattern(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == name {
			return true
		}
		if len(pattern) > 1 && pattern[len(pattern)-1] == '*' {
			prefix := pattern[:len(pattern)-1]
			if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
				return true
			}
		}
		if len(pattern) > 1 && pattern[0] == '*' {
			suffix := pattern[1:]
			if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
				return true
			}
		}
	}
	return false
}
