// Package registry holds the Session Registry: the authoritative mapping
// from live connections to users, the per-user recent-chat deque, and group
// membership. Every mutation is guarded by a single lock; lookups that
// escape the lock return snapshots, and fan-out callers hold the lock only
// long enough to copy out target sessions before writing to any socket.
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// recentChatCap bounds the per-user recent-chat deque.
const recentChatCap = 5

// Sender is the minimal write surface a registered connection exposes.
// Implemented by *chatrouter.Session; kept as an interface here so the
// registry never depends on the router package.
type Sender interface {
	Send(line []byte) error
	Username() string
	IsSystem() bool
}

// failureLimit is the number of consecutive transient write failures
// tolerated before a session is marked for disconnect (§4.2 fan-out algorithm).
const failureLimit = 3

// health is the per-session circuit-breaker state for fan-out writes.
type health struct {
	failures atomic.Int32
}

func (h *health) recordFailure() int32 {
	return h.failures.Add(1)
}

func (h *health) recordSuccess() {
	h.failures.Store(0)
}

func (h *health) exceeded() bool {
	return h.failures.Load() >= failureLimit
}

type entry struct {
	sess      Sender
	lastSeen  atomic.Int64 // unix nano
	health    health
}

// Group is the in-memory mirror of a group's live membership, kept in sync
// with the durable store by the chat router's group handlers.
type Group struct {
	ID      string
	Name    string
	Admin   string
	Members []string
}

// Registry is the process-wide Session Registry singleton. Construct once
// at startup and share by reference.
type Registry struct {
	mu sync.RWMutex

	byName map[string]*entry
	recent map[string][]string // username -> most-recent-first peer/group names
	groups map[string]*Group
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byName: make(map[string]*entry),
		recent: make(map[string][]string),
		groups: make(map[string]*Group),
	}
}

// Register adds a live session under its username. Returns false if the
// name is already connected (caller should reject the handshake).
func (r *Registry) Register(s Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[s.Username()]; exists {
		return false
	}
	e := &entry{sess: s}
	e.lastSeen.Store(time.Now().UnixNano())
	r.byName[s.Username()] = e
	return true
}

// Unregister removes a session, returning whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byName[name]
	delete(r.byName, name)
	return ok
}

// Touch refreshes a session's last-activity instant.
func (r *Registry) Touch(name string) {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		e.lastSeen.Store(time.Now().UnixNano())
	}
}

// LastSeen returns the last-activity instant for a session, or the zero
// time if unknown.
func (r *Registry) LastSeen(name string) time.Time {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return time.Unix(0, e.lastSeen.Load())
}

// FindByName returns the live session for name, if connected.
func (r *Registry) FindByName(name string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// target is a snapshotted fan-out destination.
type target struct {
	name   string
	sess   Sender
	health *health
}

// snapshotTargets copies out every live session not in exclude, releasing
// the lock before the caller attempts any socket write.
func (r *Registry) snapshotTargets(exclude map[string]bool) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]target, 0, len(r.byName))
	for name, e := range r.byName {
		if exclude != nil && exclude[name] {
			continue
		}
		out = append(out, target{name: name, sess: e.sess, health: &e.health})
	}
	return out
}

// Broadcast delivers line to every non-system session not in exclude.
// Write failures are classified by the caller via the returned failing
// names so critical ones can be disconnected outside the registry lock.
func (r *Registry) Broadcast(line []byte, exclude map[string]bool, critical func(error) bool) (failed []string) {
	for _, t := range r.snapshotTargets(exclude) {
		if t.sess.IsSystem() {
			continue
		}
		if err := t.sess.Send(line); err != nil {
			if critical(err) || t.health.recordFailure() >= failureLimit {
				failed = append(failed, t.name)
			}
			continue
		}
		t.health.recordSuccess()
	}
	return failed
}

// SendTo delivers line to exactly one named session, if connected.
func (r *Registry) SendTo(name string, line []byte) error {
	sess, ok := r.FindByName(name)
	if !ok {
		return nil
	}
	return sess.Send(line)
}

// SendToMany delivers line to every named session that is connected.
func (r *Registry) SendToMany(names []string, line []byte) {
	for _, n := range names {
		_ = r.SendTo(n, line)
	}
}

// Users returns a snapshot of connected non-system usernames, excluding
// the given name (pass "" to exclude nobody).
func (r *Registry) Users(excludeName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name, e := range r.byName {
		if name == excludeName || e.sess.IsSystem() {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RecordRecentChat pushes a peer/group identifier onto a user's recent-chat
// deque, evicting the oldest entry past the cap and de-duplicating.
func (r *Registry) RecordRecentChat(user, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.recent[user]
	filtered := list[:0:0]
	for _, p := range list {
		if p != peer {
			filtered = append(filtered, p)
		}
	}
	filtered = append([]string{peer}, filtered...)
	if len(filtered) > recentChatCap {
		filtered = filtered[:recentChatCap]
	}
	r.recent[user] = filtered
}

// RecentChats returns a user's recent-chat deque, most recent first.
func (r *Registry) RecentChats(user string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.recent[user]))
	copy(out, r.recent[user])
	return out
}

// PutGroup upserts the live membership mirror for a group.
func (r *Registry) PutGroup(g Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := g
	cp.Members = append([]string(nil), g.Members...)
	r.groups[g.ID] = &cp
}

// DropGroup removes a group from the live mirror.
func (r *Registry) DropGroup(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, id)
}

// Group returns a copy of a group's live state.
func (r *Registry) Group(id string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// GroupsOf returns every group the given member belongs to.
func (r *Registry) GroupsOf(member string) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0)
	for _, g := range r.groups {
		for _, m := range g.Members {
			if m == member {
				out = append(out, *g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllGroups returns a snapshot of every live group.
func (r *Registry) AllGroups() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnlineMembers filters a group's membership down to connected sessions.
func (r *Registry) OnlineMembers(members []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := r.byName[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// StaleSessions returns the names of every session whose last-activity
// instant is older than olderThan, for the heartbeat sweep.
func (r *Registry) StaleSessions(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, e := range r.byName {
		if e.lastSeen.Load() < cutoff {
			out = append(out, name)
		}
	}
	return out
}

// AllSessions returns a snapshot of every connected session, including
// system identities, for the heartbeat ping sweep.
func (r *Registry) AllSessions() []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sender, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e.sess)
	}
	return out
}
