// Package authflow coordinates one in-flight authorization attempt per
// provider: popup window lifecycle, cancellation, and TTL-based expiry.
package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modelbridge/modelbridge/internal/authstore"
	"github.com/modelbridge/modelbridge/internal/db/models"
	"github.com/modelbridge/modelbridge/internal/events"
	"github.com/modelbridge/modelbridge/internal/plugins"
)

// Status is the flow state machine position.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusAuthorizing Status = "authorizing"
	StatusSuccess     Status = "success"
	StatusError       Status = "error"
	StatusCanceled    Status = "canceled"
)

// Cancel reasons.
const (
	ReasonExpired      = "expired"
	ReasonWindowClosed = "window_closed"
)

const (
	flowTTL       = 30 * time.Minute
	sweepInterval = time.Minute
)

// ErrFlowActive is returned when a start races an authorizing flow.
var ErrFlowActive = errors.New("an authorization flow is already running for this provider")

func terminal(s Status) bool {
	return s == StatusSuccess || s == StatusError || s == StatusCanceled
}

// WindowHost opens and focuses the dedicated interactive-auth popup. The
// zero implementation used in headless runs records nothing.
type WindowHost interface {
	// Open creates a popup for the URL and returns its window id.
	Open(url string) (int, error)
	// Focus brings an existing window to front; false when the handle is
	// no longer valid.
	Focus(windowID int) bool
}

// Catalog is the registry surface the flow manager needs.
type Catalog interface {
	GetProvider(id string) (*models.Provider, error)
	RefreshProvider(ctx context.Context, id string) error
}

// flow is the in-memory per-provider state. Never persisted.
type flow struct {
	providerID string
	status     Status
	methods    []plugins.AuthMethod
	methodID   string
	errMsg     string
	cancel     context.CancelFunc
	windowID   int
	hasWindow  bool
	updatedAt  time.Time
}

// Snapshot is the external view of a flow. CanCancel is derived, not stored.
type Snapshot struct {
	ProviderID string               `json:"providerID"`
	Status     Status               `json:"status"`
	Methods    []plugins.AuthMethod `json:"methods"`
	MethodID   string               `json:"methodID,omitempty"`
	Error      string               `json:"error,omitempty"`
	CanCancel  bool                 `json:"canCancel"`
}

// StartInput names the method to run and its user-supplied field values.
type StartInput struct {
	ProviderID string            `json:"providerID"`
	MethodID   string            `json:"methodID"`
	Values     map[string]string `json:"values"`
}

// Manager owns all auth flows. At most one active (non-terminal) flow per
// provider — the primary concurrency invariant of the system.
type Manager struct {
	mu      sync.Mutex
	flows   map[string]*flow
	windows map[int]string // windowID -> providerID

	plugins *plugins.Manager
	auth    *authstore.Store
	catalog Catalog
	bus     *events.Bus
	windowH WindowHost
	oauth   *plugins.OAuthHelper

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager wires the flow manager. windowHost may be nil for headless use.
func NewManager(pm *plugins.Manager, auth *authstore.Store, catalog Catalog, bus *events.Bus, windowHost WindowHost, oauth *plugins.OAuthHelper) *Manager {
	return &Manager{
		flows:     make(map[string]*flow),
		windows:   make(map[int]string),
		plugins:   pm,
		auth:      auth,
		catalog:   catalog,
		bus:       bus,
		windowH:   windowHost,
		oauth:     oauth,
		stopSweep: make(chan struct{}),
	}
}

// StartSweeper launches the periodic expiry sweep.
func (m *Manager) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopSweep:
				return
			}
		}
	}()
	log.Printf("🧹 Auth flow sweeper started (interval: %s, TTL: %s)", sweepInterval, flowTTL)
}

// Stop terminates the sweeper.
func (m *Manager) Stop() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) snapshotLocked(f *flow) Snapshot {
	methods := append([]plugins.AuthMethod(nil), f.methods...)
	return Snapshot{
		ProviderID: f.providerID,
		Status:     f.status,
		Methods:    methods,
		MethodID:   f.methodID,
		Error:      f.errMsg,
		CanCancel:  f.status == StatusAuthorizing,
	}
}

func (m *Manager) publishLocked(f *flow) {
	f.updatedAt = time.Now()
	snap := m.snapshotLocked(f)
	m.bus.Publish(events.TopicAuthFlowChanged, snap)
}

// listMethods builds the candidate method list for a provider.
func (m *Manager) listMethods(ctx context.Context, providerID string) ([]plugins.AuthMethod, error) {
	provider, err := m.catalog.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	existing, err := m.auth.Get(providerID)
	if err != nil && !errors.Is(err, authstore.ErrNotFound) {
		return nil, err
	}
	return m.plugins.ListAuthMethods(ctx, &plugins.MethodContext{
		ProviderID: providerID,
		Provider:   provider,
		Existing:   existing,
	})
}

// ensureFlowLocked returns a usable flow, replacing terminal ones with a
// fresh idle flow.
func (m *Manager) ensureFlowLocked(ctx context.Context, providerID string) (*flow, error) {
	f, ok := m.flows[providerID]
	if ok && !terminal(f.status) {
		return f, nil
	}
	methods, err := m.listMethods(ctx, providerID)
	if err != nil {
		return nil, err
	}
	f = &flow{
		providerID: providerID,
		status:     StatusIdle,
		methods:    methods,
		updatedAt:  time.Now(),
	}
	m.flows[providerID] = f
	return f, nil
}

// GetFlow returns the current snapshot, building an idle flow when absent.
func (m *Manager) GetFlow(ctx context.Context, providerID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[providerID]
	if !ok {
		var err error
		f, err = m.ensureFlowLocked(ctx, providerID)
		if err != nil {
			return Snapshot{}, err
		}
	}
	return m.snapshotLocked(f), nil
}

// OpenWindow ensures an idle flow exists and opens (or refocuses) the
// provider's interactive auth popup.
func (m *Manager) OpenWindow(ctx context.Context, providerID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.ensureFlowLocked(ctx, providerID)
	if err != nil {
		return Snapshot{}, err
	}

	if m.windowH != nil {
		if f.hasWindow && m.windowH.Focus(f.windowID) {
			return m.snapshotLocked(f), nil
		}
		windowID, err := m.windowH.Open(fmt.Sprintf("/auth/connect?provider=%s", providerID))
		if err != nil {
			return Snapshot{}, fmt.Errorf("failed to open auth window: %w", err)
		}
		if f.hasWindow {
			delete(m.windows, f.windowID)
		}
		f.windowID = windowID
		f.hasWindow = true
		m.windows[windowID] = providerID
	}
	return m.snapshotLocked(f), nil
}

// Start runs one authorization attempt to completion. It rejects when the
// provider's flow is already authorizing, leaving the in-flight state
// untouched. Authorize failures surface via the flow's error state, not as
// a returned error.
func (m *Manager) Start(ctx context.Context, input StartInput) (Snapshot, error) {
	m.mu.Lock()
	f, err := m.ensureFlowLocked(ctx, input.ProviderID)
	if err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	if f.status == StatusAuthorizing {
		m.mu.Unlock()
		return Snapshot{}, ErrFlowActive
	}

	var method *plugins.AuthMethod
	for i := range f.methods {
		if f.methods[i].ID == input.MethodID {
			method = &f.methods[i]
			break
		}
	}
	if method == nil {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("unknown auth method %q for provider %s", input.MethodID, input.ProviderID)
	}

	authCtx, cancel := context.WithCancel(ctx)
	f.status = StatusAuthorizing
	f.methodID = method.ID
	f.errMsg = ""
	f.cancel = cancel
	m.publishLocked(f)

	provider, provErr := m.catalog.GetProvider(input.ProviderID)
	m.mu.Unlock()

	if provErr != nil {
		return m.finish(ctx, f, nil, provErr)
	}

	existing, err := m.auth.Get(input.ProviderID)
	if err != nil && !errors.Is(err, authstore.ErrNotFound) {
		return m.finish(ctx, f, nil, err)
	}

	result, authErr := m.plugins.Authorize(authCtx, method.ID, plugins.AuthorizeRequest{
		ProviderID: input.ProviderID,
		Provider:   provider,
		Existing:   existing,
		Values:     input.Values,
		OAuth:      m.oauth,
	})
	return m.finish(ctx, f, result, authErr)
}

// finish applies the terminal transition for a completed authorize
// call and re-lists methods (host state may have changed).
func (m *Manager) finish(ctx context.Context, f *flow, result *plugins.AuthResult, authErr error) (Snapshot, error) {
	if authErr == nil && result != nil {
		record := models.AuthRecord{
			ProviderID: f.providerID,
			Type:       result.Type,
			Key:        result.Key,
			Access:     result.Access,
			Refresh:    result.Refresh,
			ExpiresAt:  result.ExpiresAt,
			AccountID:  result.AccountID,
		}
		if len(result.Metadata) > 0 {
			if raw, err := json.Marshal(result.Metadata); err == nil {
				record.Metadata = string(raw)
			}
		}
		if err := m.auth.Set(record); err != nil {
			authErr = fmt.Errorf("failed to persist credential: %w", err)
		}
	}

	m.mu.Lock()
	// Cancel may have already transitioned the flow; keep its verdict.
	if f.status == StatusAuthorizing {
		switch {
		case authErr == nil:
			f.status = StatusSuccess
			log.Printf("✅ Provider %s connected via %s", f.providerID, f.methodID)
		case errors.Is(authErr, context.Canceled):
			f.status = StatusCanceled
			f.errMsg = "Authentication canceled."
		default:
			f.status = StatusError
			f.errMsg = authErr.Error()
			log.Printf("❌ Authorization failed for %s: %v", f.providerID, authErr)
		}
	}
	f.cancel = nil

	if methods, err := m.listMethods(ctx, f.providerID); err == nil {
		f.methods = methods
	}
	m.publishLocked(f)
	snap := m.snapshotLocked(f)
	succeeded := f.status == StatusSuccess
	m.mu.Unlock()

	if succeeded {
		if err := m.catalog.RefreshProvider(ctx, f.providerID); err != nil {
			log.Printf("⚠️ Catalog refresh after connect failed for %s: %v", f.providerID, err)
		}
	}
	return snap, nil
}

// Cancel aborts an authorizing flow. No-op when the flow is absent or
// already terminal.
func (m *Manager) Cancel(providerID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(providerID, reason)
}

func (m *Manager) cancelLocked(providerID, reason string) {
	f, ok := m.flows[providerID]
	if !ok || terminal(f.status) {
		return
	}
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	f.status = StatusCanceled
	if reason == ReasonExpired {
		f.errMsg = "Authentication expired."
	} else {
		f.errMsg = "Authentication canceled."
	}
	m.publishLocked(f)
}

// HandleWindowClosed cancels the flow bound to a closed popup. Closing the
// popup is equivalent to user cancellation.
func (m *Manager) HandleWindowClosed(windowID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	providerID, ok := m.windows[windowID]
	if !ok {
		return
	}
	delete(m.windows, windowID)
	if f, ok := m.flows[providerID]; ok {
		f.hasWindow = false
	}
	m.cancelLocked(providerID, ReasonWindowClosed)
}

// sweep force-cancels non-terminal flows past their TTL and garbage
// collects expired terminal ones.
func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-flowTTL)
	for providerID, f := range m.flows {
		if f.updatedAt.After(cutoff) {
			continue
		}
		if terminal(f.status) {
			delete(m.flows, providerID)
			if f.hasWindow {
				delete(m.windows, f.windowID)
			}
			continue
		}
		log.Printf("🧹 Expiring stale auth flow for %s", providerID)
		m.cancelLocked(providerID, ReasonExpired)
	}
}
