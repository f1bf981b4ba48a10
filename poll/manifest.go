package poll

import (
	"bungie-webhooks/bungie"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ManifestInstance names the manifest poller's state space.
const ManifestInstance = "manifest"

const keyManifestVersion = "manifestVersion"

// ManifestSource fetches the Destiny 2 manifest metadata.
type ManifestSource interface {
	DestinyManifest(ctx context.Context) (*bungie.Manifest, error)
}

// ManifestResult reports the outcome of one manifest check.
type ManifestResult struct {
	ManifestVersion   string `json:"manifestVersion,omitempty"`
	PreviousVersion   string `json:"previousVersion,omitempty"`
	VersionWasUpdated bool   `json:"versionWasUpdated"`
	BungieErrorCode   int    `json:"bungieErrorCode,omitempty"`
	BungieErrorStatus string `json:"bungieErrorStatus,omitempty"`
}

// Manifest tracks the Destiny 2 manifest version.
// The stored version is read once and then kept in memory.
type Manifest struct {
	mu      sync.Mutex
	source  ManifestSource
	state   StateStore
	logger  *slog.Logger
	loaded  bool
	version string
}

// NewManifest creates a manifest poller.
func NewManifest(source ManifestSource, state StateStore, logger *slog.Logger) *Manifest {
	return &Manifest{
		source: source,
		state:  state,
		logger: logger,
	}
}

// Check fetches the manifest and persists the version when it changed.
// The first successful check records a baseline and reports no update.
func (p *Manifest) Check(ctx context.Context, trigger Trigger) (*ManifestResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		var stored string
		if _, err := p.state.Get(ctx, keyManifestVersion, &stored); err != nil {
			return nil, fmt.Errorf("load manifest version: %w", err)
		}
		p.version = stored
		p.loaded = true
	}

	manifest, err := p.source.DestinyManifest(ctx)
	if err != nil {
		if apiErr, ok := bungie.AsAPIError(err); ok {
			return &ManifestResult{
				BungieErrorCode:   apiErr.ErrorCode,
				BungieErrorStatus: apiErr.ErrorStatus,
			}, nil
		}
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	current := manifest.Version
	if current == p.version {
		p.logger.Debug("Manifest version unchanged", "manifest_version", current, "method", trigger.Method)
		return &ManifestResult{ManifestVersion: current}, nil
	}

	if err := p.state.Put(ctx, keyManifestVersion, current); err != nil {
		return nil, fmt.Errorf("save manifest version: %w", err)
	}
	previous := p.version
	p.version = current

	if previous == "" {
		p.logger.Info("Manifest version baseline recorded", "manifest_version", current)
		return &ManifestResult{ManifestVersion: current}, nil
	}

	p.logger.Info("Manifest version changed", "previous", previous, "manifest_version", current)
	return &ManifestResult{
		ManifestVersion:   current,
		PreviousVersion:   previous,
		VersionWasUpdated: true,
	}, nil
}
