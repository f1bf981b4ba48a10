package poll

import (
	"bungie-webhooks/bungie"
	"bungie-webhooks/diff"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// APIStatusInstance names the API status poller's state space.
const APIStatusInstance = "apiStatus"

// State keys of the API status poller.
const (
	keyLastErrorCode   = "lastErrorCode"
	keyLastErrorStatus = "lastErrorStatus"
	keyEnabledSystems  = "enabledSystems"
	keyDisabledSystems = "disabledSystems"
)

// StatusSource fetches the platform's common settings.
type StatusSource interface {
	CommonSettings(ctx context.Context) (*bungie.CommonSettings, error)
}

// SystemFilter selects the platform systems worth tracking.
// A system matches if its name starts with one of Prefixes or is listed in Allow.
// An empty filter matches every system.
type SystemFilter struct {
	Prefixes []string
	Allow    []string
}

// DefaultSystemFilter tracks Destiny 2 systems.
var DefaultSystemFilter = SystemFilter{Prefixes: []string{"D2"}, Allow: []string{"Destiny2"}}

// Match reports whether the named system is tracked.
func (f SystemFilter) Match(name string) bool {
	if len(f.Prefixes) == 0 && len(f.Allow) == 0 {
		return true
	}
	if slices.Contains(f.Allow, name) {
		return true
	}
	for _, p := range f.Prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// partition splits the tracked systems into sorted enabled and disabled names.
func (f SystemFilter) partition(systems map[string]bungie.SystemStatus) (enabled, disabled []string) {
	enabled, disabled = []string{}, []string{}
	for name, system := range systems {
		if !f.Match(name) {
			continue
		}
		if system.Enabled {
			enabled = append(enabled, name)
		} else {
			disabled = append(disabled, name)
		}
	}
	slices.Sort(enabled)
	slices.Sort(disabled)
	return enabled, disabled
}

// APIStatusResult reports the outcome of one API status check.
type APIStatusResult struct {
	LastErrorCode           *int     `json:"lastErrorCode"`
	LastErrorStatus         *string  `json:"lastErrorStatus"`
	IsEnabled               bool     `json:"isEnabled"`
	StatusWasUpdated        bool     `json:"statusWasUpdated"`
	NewlyEnabledSystems     []string `json:"newlyEnabledSystems,omitempty"`
	NewlyDisabledSystems    []string `json:"newlyDisabledSystems,omitempty"`
	UnchangedEnabledSystems []string `json:"unchangedEnabledSystems,omitempty"`
	Error                   string   `json:"error,omitempty"`

	wasEnabled bool
}

// availabilityChanged reports whether the API went from enabled to disabled or back.
func (r *APIStatusResult) availabilityChanged() bool {
	return r.StatusWasUpdated && r.IsEnabled != r.wasEnabled
}

// apiState is the persisted state of the API status poller.
type apiState struct {
	LastErrorCode   *int
	LastErrorStatus *string
	EnabledSystems  []string
	DisabledSystems []string
}

// enabled reports whether the persisted state describes an available API.
// No prior state counts as enabled.
func (s *apiState) enabled() bool {
	return s.LastErrorCode == nil || *s.LastErrorCode != bungie.ErrorCodeSystemDisabled
}

func decodeAPIState(values map[string]json.RawMessage) (*apiState, error) {
	s := &apiState{}
	fields := map[string]any{
		keyLastErrorCode:   &s.LastErrorCode,
		keyLastErrorStatus: &s.LastErrorStatus,
		keyEnabledSystems:  &s.EnabledSystems,
		keyDisabledSystems: &s.DisabledSystems,
	}
	for key, dst := range fields {
		raw, ok := values[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
	}
	return s, nil
}

// APIStatus tracks whether the Bungie API and its systems are enabled.
type APIStatus struct {
	mu     sync.Mutex
	source StatusSource
	state  StateStore
	filter SystemFilter
	logger *slog.Logger
}

// NewAPIStatus creates an API status poller.
func NewAPIStatus(source StatusSource, state StateStore, filter SystemFilter, logger *slog.Logger) *APIStatus {
	return &APIStatus{
		source: source,
		state:  state,
		filter: filter,
		logger: logger,
	}
}

// Check fetches the current API status and persists it if anything changed.
// Platform outages are reported in the result, not returned as errors.
func (p *APIStatus) Check(ctx context.Context, trigger Trigger) (*APIStatusResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	values, err := p.state.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load api status: %w", err)
	}
	old, err := decodeAPIState(values)
	if err != nil {
		p.logger.Warn("Persisted API status is malformed, starting fresh", "error", err)
		old = &apiState{}
	}

	settings, err := p.source.CommonSettings(ctx)
	if err != nil {
		apiErr, ok := bungie.AsAPIError(err)
		if !ok {
			return nil, fmt.Errorf("fetch common settings: %w", err)
		}
		return p.recordOutage(ctx, old, apiErr)
	}

	code, status := bungie.ErrorCodeSuccess, "Success"
	enabled, disabled := p.filter.partition(settings.Systems)
	changes := diff.Compute(old.EnabledSystems, enabled)
	disabledChanges := diff.Compute(old.DisabledSystems, disabled)

	if trigger.Method == MethodFetch {
		for _, name := range enabled {
			p.logger.Debug("System enabled", "system", name)
		}
		for _, name := range disabled {
			p.logger.Debug("System disabled", "system", name)
		}
	}

	codeChanged := !equalPtr(old.LastErrorCode, code)
	statusChanged := !equalPtr(old.LastErrorStatus, status)
	if codeChanged || statusChanged || changes.Changed() || disabledChanges.Changed() {
		err := p.state.PutMany(ctx, map[string]any{
			keyLastErrorCode:   code,
			keyLastErrorStatus: status,
			keyEnabledSystems:  enabled,
			keyDisabledSystems: disabled,
		})
		if err != nil {
			return nil, fmt.Errorf("save api status: %w", err)
		}
		p.logger.Info("API status saved", "enabled", len(enabled), "disabled", len(disabled))
	}

	return &APIStatusResult{
		LastErrorCode:           &code,
		LastErrorStatus:         &status,
		IsEnabled:               true,
		StatusWasUpdated:        codeChanged,
		NewlyEnabledSystems:     changes.OnlyInB,
		NewlyDisabledSystems:    changes.OnlyInA,
		UnchangedEnabledSystems: changes.InBoth,
		wasEnabled:              old.enabled(),
	}, nil
}

// recordOutage persists the platform error code and status. The system lists
// keep their last known values.
func (p *APIStatus) recordOutage(ctx context.Context, old *apiState, apiErr *bungie.APIError) (*APIStatusResult, error) {
	code, status := apiErr.ErrorCode, apiErr.ErrorStatus
	p.logger.Error("Bungie API error", "error_status", status, "error_code", code)

	codeChanged := !equalPtr(old.LastErrorCode, code)
	if codeChanged || !equalPtr(old.LastErrorStatus, status) {
		err := p.state.PutMany(ctx, map[string]any{
			keyLastErrorCode:   code,
			keyLastErrorStatus: status,
		})
		if err != nil {
			return nil, fmt.Errorf("save api status: %w", err)
		}
	}

	return &APIStatusResult{
		LastErrorCode:    &code,
		LastErrorStatus:  &status,
		IsEnabled:        code != bungie.ErrorCodeSystemDisabled,
		StatusWasUpdated: codeChanged,
		Error:            apiErr.Error(),
		wasEnabled:       old.enabled(),
	}, nil
}

func equalPtr[T comparable](p *T, v T) bool {
	return p != nil && *p == v
}
