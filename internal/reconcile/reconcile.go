// Package reconcile runs the periodic pull-then-push sync loop against the
// backend catalog: a ticker-driven select loop that applies remote
// install/uninstall instructions and reports the local state back.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kether/mapd/internal/core"
	"github.com/kether/mapd/internal/installer"
	"github.com/kether/mapd/internal/registry"
)

const backendTimeout = 30 * time.Second

// Loop owns the HTTP client used to reach the backend and the installer/
// registry used to apply and reflect its intent.
type Loop struct {
	baseURL  string
	token    string
	interval time.Duration
	client   *http.Client
	inst     *installer.Installer
	reg      *registry.Registry
	log      *slog.Logger
}

func New(baseURL, token string, interval time.Duration, inst *installer.Installer, reg *registry.Registry, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		baseURL:  baseURL,
		token:    token,
		interval: interval,
		client:   &http.Client{Timeout: backendTimeout},
		inst:     inst,
		reg:      reg,
		log:      log,
	}
}

// Run ticks every interval until ctx is canceled. Once started, only task
// cancellation stops the loop; a failed cycle is logged and the loop
// continues at the next tick. With no backend URL configured, Run returns
// immediately.
func (l *Loop) Run(ctx context.Context) {
	if l.baseURL == "" {
		l.log.Info("no backend configured, reconciliation loop disabled")
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runCycle(ctx)
		}
	}
}

// runCycle performs pull then push, in that order, so that a single cycle
// can both apply remote intent and reflect the result of doing so.
func (l *Loop) runCycle(ctx context.Context) {
	if err := l.pull(ctx); err != nil {
		l.log.Warn("reconciliation pull failed", "error", err)
	}
	if err := l.push(ctx); err != nil {
		l.log.Warn("reconciliation push failed", "error", err)
	}
}

type updatesResponse struct {
	Updates []core.MapUpdate `json:"updates"`
}

// pull fetches pending updates and applies each independently; a failure
// on one update is logged and does not abort the batch.
func (l *Loop) pull(ctx context.Context) error {
	var resp updatesResponse
	if err := l.getJSON(ctx, "/api/registry/updates", &resp); err != nil {
		return err
	}

	for _, update := range resp.Updates {
		l.applyUpdate(ctx, update)
	}
	return nil
}

func (l *Loop) applyUpdate(ctx context.Context, update core.MapUpdate) {
	switch update.Action {
	case core.ActionInstall:
		spec, err := specFromUpdate(update)
		if err != nil {
			l.log.Warn("skipping malformed install update", "map_id", update.MapID, "error", err)
			return
		}
		if _, err := l.inst.Install(ctx, spec); err != nil {
			l.log.Warn("failed to apply install update", "map_id", update.MapID, "error", err)
		}
	case core.ActionUninstall:
		if err := l.inst.Uninstall(update.MapID); err != nil {
			l.log.Warn("failed to apply uninstall update", "map_id", update.MapID, "error", err)
		}
	default:
		l.log.Warn("unknown update action, skipping", "action", update.Action, "map_id", update.MapID)
	}
}

// specFromUpdate prefers workshop_id when present, else source_url, per
// the pull contract.
func specFromUpdate(update core.MapUpdate) (core.SourceSpec, error) {
	if update.Entry == nil {
		return core.SourceSpec{}, fmt.Errorf("install update %d carries no map_entry", update.MapID)
	}
	spec := core.SourceSpec{DisplayName: update.Entry.Name}
	if update.Entry.WorkshopID != nil {
		spec.IsWorkshop = true
		spec.WorkshopID = *update.Entry.WorkshopID
		return spec, nil
	}
	if update.Entry.SourceURL != nil {
		spec.URL = *update.Entry.SourceURL
		return spec, nil
	}
	return core.SourceSpec{}, fmt.Errorf("install update %d carries neither workshop_id nor source_url", update.MapID)
}

type syncRequest struct {
	Maps []core.MapEntry `json:"maps"`
}

// push reports the full local catalog. A non-2xx response is logged; there
// is no retry within the cycle.
func (l *Loop) push(ctx context.Context) error {
	entries, err := l.reg.ListMaps()
	if err != nil {
		return fmt.Errorf("list maps for sync: %w", err)
	}

	body, err := json.Marshal(syncRequest{Maps: entries})
	if err != nil {
		return fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/registry/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	l.setAuth(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sync request returned status %d", resp.StatusCode)
	}
	return nil
}

func (l *Loop) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	l.setAuth(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (l *Loop) setAuth(req *http.Request) {
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
}
