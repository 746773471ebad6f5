// Package tabs manages the set of independent conversation contexts: one
// connection supervisor and one transcript per tab, an active-selection
// pointer, and the persisted layout.
package tabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Quickkill0/agentsync/internal/backend"
	"github.com/Quickkill0/agentsync/internal/conn"
	"github.com/Quickkill0/agentsync/internal/protocol"
	"github.com/Quickkill0/agentsync/internal/syncrelay"
)

// LayoutKey is the fixed preference name the tab layout persists under.
const LayoutKey = "agentsync.layout"

var (
	// ErrLastTab is returned when closing the only remaining tab.
	ErrLastTab = errors.New("cannot close the last tab")
	// ErrTabNotFound is returned for operations on an unknown tab id.
	ErrTabNotFound = errors.New("tab not found")
)

// Layout is the persisted tab arrangement.
type Layout struct {
	Tabs        []TabLayout `json:"tabs"`
	ActiveTabID string      `json:"active_tab_id"`
}

// TabLayout is one tab's persisted binding.
type TabLayout struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SessionID string `json:"session_id,omitempty"`
	Profile   string `json:"profile,omitempty"`
	Project   string `json:"project,omitempty"`
}

// Config holds the multiplexer's wiring and tunables.
type Config struct {
	WSURL         string
	DeviceID      string
	SaveDebounce  time.Duration // coalesces bursty layout writes
	DuplexTimeout time.Duration // bounded wait before polling fallback
	PollInterval  time.Duration

	Conn conn.Config // template; URL is overridden with WSURL

	// OnUpdate, when set, fires after a tab's transcript changed.
	OnUpdate func(tabID string, ev protocol.Event)
	// OnConnState, when set, fires on a tab's transport state change.
	OnConnState func(tabID string, s conn.State)
}

func (c Config) withDefaults() Config {
	if c.SaveDebounce == 0 {
		c.SaveDebounce = 500 * time.Millisecond
	}
	if c.DuplexTimeout == 0 {
		c.DuplexTimeout = 10 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	return c
}

// Multiplexer is the registry of live tabs. Each id maps to exactly one
// transport and its timers; the rest of the system only talks to tabs
// through the multiplexer's operations.
type Multiplexer struct {
	cfg    Config
	client *backend.Client

	mu       sync.Mutex
	tabs     map[string]*Tab
	order    []string
	activeID string

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// New creates an empty multiplexer.
func New(cfg Config, client *backend.Client) *Multiplexer {
	return &Multiplexer{
		cfg:    cfg.withDefaults(),
		client: client,
		tabs:   make(map[string]*Tab),
	}
}

// CreateTab creates a tab, optionally bound to an existing session, and
// makes it active.
func (m *Multiplexer) CreateTab(sessionID string) *Tab {
	return m.createTab(TabLayout{
		ID:        uuid.New().String(),
		Title:     "New conversation",
		SessionID: sessionID,
	}, true)
}

func (m *Multiplexer) createTab(layout TabLayout, activate bool) *Tab {
	t := &Tab{
		ID:      layout.ID,
		Title:   layout.Title,
		Profile: layout.Profile,
		Project: layout.Project,
		mux:     m,
		events:  make(chan protocol.Event, 64),
		done:    make(chan struct{}),
	}
	t.sessionID = layout.SessionID

	connCfg := m.cfg.Conn
	connCfg.URL = m.cfg.WSURL
	t.supervisor = conn.New(connCfg, t.events)
	t.supervisor.SetDeviceID(m.cfg.DeviceID)
	t.supervisor.OnStateChange = t.onConnState
	if layout.SessionID != "" {
		t.supervisor.BindSession(layout.SessionID)
	}
	t.relay = syncrelay.New(m.cfg.DeviceID, layout.SessionID, m.client, t.applyEvent)

	m.mu.Lock()
	m.tabs[t.ID] = t
	m.order = append(m.order, t.ID)
	if activate || m.activeID == "" {
		m.activeID = t.ID
	}
	m.mu.Unlock()

	go t.run()
	t.supervisor.Connect()
	t.watchDuplex(m.cfg.DuplexTimeout, m.cfg.PollInterval)

	m.scheduleSave()
	return t
}

// CloseTab destroys a tab. The last remaining tab cannot be closed.
func (m *Multiplexer) CloseTab(id string) error {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if !ok {
		m.mu.Unlock()
		return ErrTabNotFound
	}
	if len(m.tabs) == 1 {
		m.mu.Unlock()
		return ErrLastTab
	}
	delete(m.tabs, id)
	for i, tabID := range m.order {
		if tabID == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.activeID == id {
		m.activeID = m.order[len(m.order)-1]
	}
	m.mu.Unlock()

	t.close()
	m.scheduleSave()
	return nil
}

// SetActive moves the active-selection pointer.
func (m *Multiplexer) SetActive(id string) error {
	m.mu.Lock()
	if _, ok := m.tabs[id]; !ok {
		m.mu.Unlock()
		return ErrTabNotFound
	}
	m.activeID = id
	m.mu.Unlock()

	m.scheduleSave()
	return nil
}

// OpenSession shows a session: if some tab already has it, that tab is
// activated instead of creating a duplicate; otherwise a new tab is bound
// to it.
func (m *Multiplexer) OpenSession(sessionID string) *Tab {
	m.mu.Lock()
	for _, id := range m.order {
		t := m.tabs[id]
		if t.SessionID() == sessionID {
			m.activeID = id
			m.mu.Unlock()
			m.scheduleSave()
			return t
		}
	}
	m.mu.Unlock()

	return m.CreateTab(sessionID)
}

// ActiveTab returns the currently selected tab, or nil when empty.
func (m *Multiplexer) ActiveTab() *Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tabs[m.activeID]
}

// Tab returns a tab by id.
func (m *Multiplexer) Tab(id string) (*Tab, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tabs[id]
	return t, ok
}

// Tabs returns all tabs in display order.
func (m *Multiplexer) Tabs() []*Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Tab, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.tabs[id])
	}
	return out
}

// RestoreLayout reads the persisted layout and recreates its tabs. A
// missing preference is the first-run case: one fresh unbound tab.
func (m *Multiplexer) RestoreLayout(ctx context.Context) error {
	blob, err := m.client.GetPreference(ctx, LayoutKey)
	if errors.Is(err, backend.ErrNotFound) {
		m.CreateTab("")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore layout: %w", err)
	}

	var layout Layout
	if err := json.Unmarshal(blob, &layout); err != nil {
		return fmt.Errorf("restore layout: %w", err)
	}
	if len(layout.Tabs) == 0 {
		m.CreateTab("")
		return nil
	}

	for _, tl := range layout.Tabs {
		if tl.ID == "" {
			tl.ID = uuid.New().String()
		}
		m.createTab(tl, false)
	}
	m.mu.Lock()
	if _, ok := m.tabs[layout.ActiveTabID]; ok {
		m.activeID = layout.ActiveTabID
	}
	m.mu.Unlock()
	return nil
}

// Shutdown flushes any pending layout write and tears down every tab.
func (m *Multiplexer) Shutdown(ctx context.Context) {
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()
	m.flushLayout(ctx)

	m.mu.Lock()
	all := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		all = append(all, t)
	}
	m.tabs = make(map[string]*Tab)
	m.order = nil
	m.mu.Unlock()

	for _, t := range all {
		t.close()
	}
}

// scheduleSave coalesces rapid layout changes into a single write. Each
// call cancels and rearms the pending timer.
func (m *Multiplexer) scheduleSave() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(m.cfg.SaveDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.flushLayout(ctx)
	})
}

func (m *Multiplexer) flushLayout(ctx context.Context) {
	layout := m.snapshotLayout()
	blob, err := json.Marshal(layout)
	if err != nil {
		log.Printf("marshal layout: %v", err)
		return
	}
	if err := m.client.SavePreference(ctx, LayoutKey, blob); err != nil {
		log.Printf("save layout: %v", err)
	}
}

func (m *Multiplexer) snapshotLayout() Layout {
	m.mu.Lock()
	defer m.mu.Unlock()
	layout := Layout{ActiveTabID: m.activeID}
	for _, id := range m.order {
		t := m.tabs[id]
		layout.Tabs = append(layout.Tabs, TabLayout{
			ID:        t.ID,
			Title:     t.Title,
			SessionID: t.SessionID(),
			Profile:   t.Profile,
			Project:   t.Project,
		})
	}
	return layout
}

func (m *Multiplexer) notifyUpdate(tabID string, ev protocol.Event) {
	if cb := m.cfg.OnUpdate; cb != nil {
		cb(tabID, ev)
	}
}

func (m *Multiplexer) notifyConnState(tabID string, s conn.State) {
	if cb := m.cfg.OnConnState; cb != nil {
		cb(tabID, s)
	}
}
