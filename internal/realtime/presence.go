package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "courier/contracts/chat/v1"
	"courier/internal/store"
)

// Presence is the process-wide online-user registry: userID -> live client.
// It is the single shared mutable structure in the system; every mutation is
// atomic with respect to lookups.
//
// Register is last-writer-wins: a user holds at most one live connection, and
// a new connection supersedes the old one. The registry returns the
// superseded client so the caller can force-close its transport; it never
// closes transports itself.
type Presence struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	client *Client
	status store.Status
}

// NewPresence constructs an empty registry.
func NewPresence(log *slog.Logger) *Presence {
	return &Presence{
		log:     log,
		entries: make(map[string]*presenceEntry),
	}
}

// Register installs client as the live connection for its user and returns
// the superseded client, if any.
func (p *Presence) Register(client *Client) (superseded *Client) {
	if client == nil || client.UserID == "" {
		return nil
	}

	p.mu.Lock()
	if prev, ok := p.entries[client.UserID]; ok {
		superseded = prev.client
	}
	p.entries[client.UserID] = &presenceEntry{client: client, status: store.StatusOnline}
	p.mu.Unlock()

	p.log.Info("presence.register",
		"user_id", client.UserID,
		"session_id", client.SessionID,
		"superseded", superseded != nil,
	)
	return superseded
}

// Unregister removes the user's entry, but only when sessionID still owns it.
// The guard keeps a superseded connection's deferred cleanup from evicting
// its successor. It reports whether an entry was removed.
func (p *Presence) Unregister(userID, sessionID string) bool {
	p.mu.Lock()
	entry, ok := p.entries[userID]
	if !ok || entry.client == nil || entry.client.SessionID != sessionID {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, userID)
	p.mu.Unlock()

	p.log.Info("presence.unregister", "user_id", userID, "session_id", sessionID)
	return true
}

// Lookup returns the user's live client, or nil when the user is offline.
func (p *Presence) Lookup(userID string) *Client {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entry, ok := p.entries[userID]
	if !ok {
		return nil
	}
	return entry.client
}

// SetStatus records the user-chosen status for an online user. It reports
// false when the user has no live connection.
func (p *Presence) SetStatus(userID string, status store.Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.entries[userID]
	if !ok {
		return false
	}
	entry.status = status
	return true
}

// BroadcastExcept pushes env to every online user except userID.
// Non-blocking: slow peers are skipped rather than stalling the caller.
func (p *Presence) BroadcastExcept(userID string, env v1.Envelope) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for id, entry := range p.entries {
		if id == userID {
			continue
		}
		entry.client.TrySend(env)
	}
}

// OnlineCount reports the number of registered users.
func (p *Presence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// onlinePayload builds the presence broadcast for a user coming online.
func onlinePayload(userID string) v1.PresencePayload {
	return v1.PresencePayload{UserID: userID, Status: string(store.StatusOnline)}
}

// offlinePayload builds the presence broadcast for a user going offline.
func offlinePayload(userID string, lastSeen time.Time) v1.PresencePayload {
	return v1.PresencePayload{UserID: userID, Status: string(store.StatusOffline), LastSeen: &lastSeen}
}
