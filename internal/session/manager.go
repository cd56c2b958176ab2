package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tabrelay/tabrelay/internal/common/config"
	"github.com/tabrelay/tabrelay/internal/common/logger"
	"github.com/tabrelay/tabrelay/internal/events"
	"github.com/tabrelay/tabrelay/internal/events/bus"
	"github.com/tabrelay/tabrelay/internal/permission"
	"github.com/tabrelay/tabrelay/internal/store"
	"github.com/tabrelay/tabrelay/internal/stream"
	"github.com/tabrelay/tabrelay/pkg/wire"
)

// ErrSessionNotFound is returned for operations on unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// reaperInterval is the cadence of the idle sweep.
const reaperInterval = time.Minute

// Manager owns the live sessions, decides how a handshake binds to a session
// (rebind, durable resume, or fresh), and retires idle ones.
type Manager struct {
	cfg       *config.Config
	store     *store.Store
	bus       bus.EventBus
	newDriver DriverFactory
	logger    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byTab    map[string]string
	closed   bool

	reaperCancel context.CancelFunc
	connSub      bus.Subscription
}

// NewManager creates the session manager and starts the idle reaper. It also
// subscribes to connection-lost events so detached sessions cancel their
// in-flight work.
func NewManager(cfg *config.Config, st *store.Store, eventBus bus.EventBus, factory DriverFactory, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.Default()
	}
	m := &Manager{
		cfg:       cfg,
		store:     st,
		bus:       eventBus,
		newDriver: factory,
		logger:    log.WithFields(zap.String("component", "session-manager")),
		sessions:  make(map[string]*Session),
		byTab:     make(map[string]string),
	}

	if eventBus != nil {
		sub, err := eventBus.Subscribe(events.ConnLost, m.onConnLost)
		if err != nil {
			return nil, err
		}
		m.connSub = sub
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.reaperCancel = cancel
	go m.reapLoop(ctx)

	return m, nil
}

// Handshake resolves a handshake frame to a session, in order of preference:
// a live session already bound to the tab, a stored session resumable by
// (project root, page URL) within the resume window, or a fresh session.
func (m *Manager) Handshake(ctx context.Context, connID string, hs *wire.Handshake, send stream.SendFunc) (*Session, *wire.HandshakeAck, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, errors.New("manager is shut down")
	}
	if sessionID, ok := m.byTab[hs.TabID]; ok {
		if sess, live := m.sessions[sessionID]; live {
			m.mu.Unlock()
			return m.rebind(ctx, connID, sess, hs, send)
		}
		delete(m.byTab, hs.TabID)
	}
	m.mu.Unlock()

	if row, err := m.store.FindResumable(ctx, m.cfg.Project.Path, hs.PageURL, m.cfg.Session.ResumeWindow()); err == nil {
		return m.resume(ctx, connID, row, hs, send)
	} else if !errors.Is(err, store.ErrNotFound) {
		m.logger.WithError(err).Warn("resume lookup failed, creating a fresh session")
	}

	return m.create(ctx, connID, hs, send)
}

// rebind attaches a new connection to a live session for the same tab.
func (m *Manager) rebind(ctx context.Context, connID string, sess *Session, hs *wire.Handshake, send stream.SendFunc) (*Session, *wire.HandshakeAck, error) {
	sess.mu.Lock()
	sess.pageURL = hs.PageURL
	sess.mu.Unlock()
	sess.Attach(connID, send)

	if err := m.store.SetTabBinding(ctx, sess.ID(), hs.TabID, hs.PageURL); err != nil {
		m.logger.WithError(err).Warn("failed to persist tab rebinding")
	}

	m.logger.WithSessionID(sess.ID()).Info("reconnected live session",
		zap.String("tab_id", hs.TabID))
	m.publish(events.SessionResumed, sess.ID())

	return sess, &wire.HandshakeAck{
		Type:                wire.TypeHandshakeAck,
		SessionID:           sess.ID(),
		AgentConversationID: sess.ConversationID(),
		Resumed:             true,
	}, nil
}

// resume revives a stored session for a new tab. The agent conversation id
// carries over; the driver is recreated lazily on the next run.
func (m *Manager) resume(ctx context.Context, connID string, row *store.Session, hs *wire.Handshake, send stream.SendFunc) (*Session, *wire.HandshakeAck, error) {
	mode := wire.PermissionMode(row.PermissionMode)
	if !mode.Valid() {
		mode = m.defaultMode(hs)
	}

	sess := m.buildSession(row.SessionID, mode, hs)
	sess.mu.Lock()
	sess.conversationID = row.AgentConversationID
	sess.mu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, errors.New("manager is shut down")
	}
	m.sessions[sess.ID()] = sess
	m.byTab[hs.TabID] = sess.ID()
	m.mu.Unlock()

	sess.Attach(connID, send)

	if err := m.store.SetTabBinding(ctx, sess.ID(), hs.TabID, hs.PageURL); err != nil {
		m.logger.WithError(err).Warn("failed to persist tab rebinding")
	}
	if err := m.store.SetStatus(ctx, sess.ID(), store.StatusActive); err != nil {
		m.logger.WithError(err).Warn("failed to persist session status")
	}

	m.logger.WithSessionID(sess.ID()).Info("resumed stored session",
		zap.String("agent_conversation_id", row.AgentConversationID),
		zap.String("tab_id", hs.TabID))
	m.publish(events.SessionResumed, sess.ID())

	return sess, &wire.HandshakeAck{
		Type:                wire.TypeHandshakeAck,
		SessionID:           sess.ID(),
		AgentConversationID: row.AgentConversationID,
		Resumed:             true,
	}, nil
}

// create starts a brand-new session for the tab.
func (m *Manager) create(ctx context.Context, connID string, hs *wire.Handshake, send stream.SendFunc) (*Session, *wire.HandshakeAck, error) {
	sess := m.buildSession(uuid.New().String(), m.defaultMode(hs), hs)

	if err := m.store.CreateSession(ctx, &store.Session{
		SessionID:      sess.ID(),
		ProjectRoot:    m.cfg.Project.Path,
		TabID:          hs.TabID,
		PageURL:        hs.PageURL,
		PermissionMode: string(sess.Mode()),
	}); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, errors.New("manager is shut down")
	}
	m.sessions[sess.ID()] = sess
	m.byTab[hs.TabID] = sess.ID()
	m.mu.Unlock()

	sess.Attach(connID, send)

	m.logger.WithSessionID(sess.ID()).Info("created session",
		zap.String("tab_id", hs.TabID),
		zap.String("permission_mode", string(sess.Mode())))
	m.publish(events.SessionCreated, sess.ID())

	return sess, &wire.HandshakeAck{
		Type:      wire.TypeHandshakeAck,
		SessionID: sess.ID(),
		Resumed:   false,
	}, nil
}

func (m *Manager) buildSession(id string, mode wire.PermissionMode, hs *wire.Handshake) *Session {
	log := m.logger.WithSessionID(id)
	return &Session{
		id:           id,
		projectRoot:  m.cfg.Project.Path,
		store:        m.store,
		streams:      stream.NewController(stream.DefaultGraceWindow, log),
		slot:         permission.NewSlot(m.timeouts(), log),
		bus:          m.bus,
		newDriver:    m.newDriver,
		clearPurges:  m.cfg.Session.ClearPurgesMessages,
		logger:       log,
		mode:         mode,
		tabID:        hs.TabID,
		pageURL:      hs.PageURL,
		status:       store.StatusActive,
		lastActivity: time.Now(),
	}
}

func (m *Manager) defaultMode(hs *wire.Handshake) wire.PermissionMode {
	if hs.PermissionMode.Valid() {
		return hs.PermissionMode
	}
	return wire.PermissionMode(m.cfg.Session.DefaultPermissionMode)
}

func (m *Manager) timeouts() permission.Timeouts {
	t := permission.DefaultTimeouts()
	if m.cfg.Permission.ToolTimeoutSeconds > 0 {
		t.Tool = time.Duration(m.cfg.Permission.ToolTimeoutSeconds) * time.Second
	}
	if m.cfg.Permission.PlanTimeoutSeconds > 0 {
		t.Plan = time.Duration(m.cfg.Permission.PlanTimeoutSeconds) * time.Second
	}
	if m.cfg.Permission.QuestionTimeoutSeconds > 0 {
		t.Question = time.Duration(m.cfg.Permission.QuestionTimeoutSeconds) * time.Second
	}
	return t
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SwitchConversation rebinds a session to another agent conversation. Live
// sessions are switched in place; otherwise the stored row is updated so the
// next resume picks up the target.
func (m *Manager) SwitchConversation(ctx context.Context, sessionID, target string) error {
	if sess, ok := m.Get(sessionID); ok {
		return sess.SwitchConversation(ctx, target)
	}
	err := m.store.SetConversationID(ctx, sessionID, target)
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

// onConnLost cancels in-flight work for the session whose connection died.
func (m *Manager) onConnLost(_ context.Context, event *bus.Event) error {
	sessionID := event.String("session_id")
	connID := event.String("conn_id")
	if sess, ok := m.Get(sessionID); ok {
		sess.Detach(connID)
	}
	return nil
}

// reapLoop retires sessions that have been quiet too long: first to idle,
// then out of memory once the grace passes. The stored row survives so the
// conversation stays resumable within the resume window.
func (m *Manager) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap(ctx)
		}
	}
}

func (m *Manager) reap(ctx context.Context) {
	idleLimit := m.cfg.Session.IdleLimit()
	closeLimit := idleLimit + m.cfg.Session.IdleGrace()
	now := time.Now()

	m.mu.Lock()
	var toIdle, toClose []*Session
	for _, sess := range m.sessions {
		if sess.Busy() {
			continue
		}
		quiet := now.Sub(sess.LastActivity())
		switch {
		case quiet >= closeLimit:
			toClose = append(toClose, sess)
		case quiet >= idleLimit:
			toIdle = append(toIdle, sess)
		}
	}
	for _, sess := range toClose {
		delete(m.sessions, sess.ID())
		delete(m.byTab, sess.TabID())
	}
	m.mu.Unlock()

	for _, sess := range toIdle {
		sess.mu.Lock()
		alreadyIdle := sess.status == store.StatusIdle
		sess.status = store.StatusIdle
		sess.mu.Unlock()
		if alreadyIdle {
			continue
		}
		if err := m.store.SetStatus(ctx, sess.ID(), store.StatusIdle); err != nil {
			m.logger.WithError(err).Warn("failed to mark session idle")
		}
		m.logger.WithSessionID(sess.ID()).Info("session idle")
	}

	for _, sess := range toClose {
		sess.Shutdown()
		if err := m.store.SetStatus(ctx, sess.ID(), store.StatusClosed); err != nil {
			m.logger.WithError(err).Warn("failed to mark session closed")
		}
		m.logger.WithSessionID(sess.ID()).Info("session closed after idle grace")
		m.publish(events.SessionClosed, sess.ID())
	}
}

// Shutdown cancels all in-flight work and releases every driver. Stored
// session rows are kept so conversations resume after a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.reaperCancel()
	if m.connSub != nil {
		_ = m.connSub.Unsubscribe()
	}

	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.byTab = make(map[string]string)
	m.mu.Unlock()

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			sess.Shutdown()
			if err := m.store.SetStatus(ctx, sess.ID(), store.StatusIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
				m.logger.WithError(err).Debug("failed to persist status during shutdown")
			}
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("session manager shut down", zap.Int("sessions", len(sessions)))
}

func (m *Manager) publish(subject, sessionID string) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "session-manager", map[string]interface{}{"session_id": sessionID})
	if err := m.bus.Publish(context.Background(), subject, event); err != nil {
		m.logger.WithError(err).Debug("failed to publish event")
	}
}
