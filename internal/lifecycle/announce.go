package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clipscrub/clipscrub/internal/config"
	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// Announcer emits the capabilities descriptor: once at boot, and again on
// every readiness transition. When a registry URL is configured the
// descriptor is POSTed there; it is always served on /capabilities.
type Announcer struct {
	cfg        config.Config
	machine    *Machine
	runID      string
	instanceID string
	endpoints  []string
	events     struct{ produced, consumed []string }
	httpClient *http.Client
}

// NewAnnouncer constructs an Announcer and hooks it to machine transitions.
func NewAnnouncer(cfg config.Config, machine *Machine, endpoints, eventsProduced, eventsConsumed []string) *Announcer {
	host, _ := os.Hostname()
	a := &Announcer{
		cfg:        cfg,
		machine:    machine,
		runID:      uuid.New().String(),
		instanceID: host,
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	a.events.produced = eventsProduced
	a.events.consumed = eventsConsumed

	machine.OnChange(func(_, to State, reason string) {
		switch to {
		case StateReady, StateDegraded:
			go a.announce(context.Background(), string(to), reason)
		case StateStopping:
			// Synchronous so the descriptor leaves before the process exits.
			a.announce(context.Background(), string(to), reason)
		}
	})
	return a
}

// RunID identifies this process instance in announcements and logs.
func (a *Announcer) RunID() string { return a.runID }

// Capabilities builds the current descriptor.
func (a *Announcer) Capabilities() domain.Capabilities {
	return domain.Capabilities{
		SchemaVersion: domain.CapabilitiesSchemaVersion,
		Service:       a.cfg.ServiceName,
		RunID:         a.runID,
		InstanceID:    a.instanceID,
		Build: domain.BuildInfo{
			Version: a.cfg.Version,
			Commit:  a.cfg.Commit,
			BuiltAt: a.cfg.BuiltAt,
		},
		Protocol:  domain.ProtocolInfo{Name: "clipscrub-jobs", Version: 1},
		Endpoints: a.endpoints,
		Features: map[string]any{
			"inpaint":     a.cfg.InpaintEnabled(),
			"webhooks":    a.cfg.FeatureWebhooks,
			"custom_crop": a.cfg.FeatureCustomCrop,
		},
		EventsProduced: a.events.produced,
		EventsConsumed: a.events.consumed,
		Dependencies: []domain.DependencyDecl{
			{Name: "postgres", Required: true},
			{Name: "redpanda", Required: true},
			{Name: "blobstore", Required: true},
			{Name: "redis", Required: false},
			{Name: "inpaint", Required: false, MinProtocolVersion: 1},
		},
		Limits: domain.Limits{
			MaxPayloadBytes:   a.cfg.MaxUploadBytes(),
			RateLimitPerMin:   a.cfg.RateLimitPerMin,
			MaxVideoSizeBytes: a.cfg.MaxUploadBytes(),
		},
		EmittedAt: time.Now().UTC(),
		Extra:     map[string]string{"state": string(a.machine.State())},
	}
}

// announce pushes the descriptor to the registry. Registry unavailability is
// logged, never fatal.
func (a *Announcer) announce(ctx context.Context, state, reason string) {
	lg := observability.LoggerFromContext(ctx)
	lg.Info("announcing capabilities", "state", state, "reason", reason)
	if a.cfg.RegistryURL == "" {
		return
	}
	body, err := json.Marshal(a.Capabilities())
	if err != nil {
		lg.Error("capabilities marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RegistryURL+"/v1/capabilities", bytes.NewReader(body))
	if err != nil {
		lg.Error("capabilities request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.httpClient.Do(req)
	if err != nil {
		lg.Warn("capabilities announce failed", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		lg.Warn("capabilities announce rejected", "status", fmt.Sprintf("%d", resp.StatusCode))
	}
}

// AnnounceStartup emits the boot-time descriptor.
func (a *Announcer) AnnounceStartup(ctx context.Context) {
	a.announce(ctx, string(a.machine.State()), "startup")
}
