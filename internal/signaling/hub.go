// Package signaling implements the WebRTC Signaling Hub: room lifecycle,
// the join/leave/data event protocol, and empty-room missed-call events
// relayed back into the chat router.
package signaling

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Room is one live WebRTC signaling session: a kind (video/audio), the
// chat scope it is tied to (for the eventual missed-call event), and its
// current participant map.
type Room struct {
	ID          string
	Kind        string // "video" or "audio"
	SessionType string // "global" | "private" | "group"
	ChatID      string // scope key: "" for global, "u1_u2" for private, group id for group

	mu       sync.RWMutex
	members  map[string]*participant // sid -> participant
}

type participant struct {
	conn    *websocket.Conn
	name    string
	writeMu sync.Mutex
}

func (p *participant) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// Hub owns every live Room. Construct once at startup and share by reference.
type Hub struct {
	mu             sync.RWMutex
	rooms          map[string]*Room
	log            *slog.Logger
	chatRouterAddr string
}

// New constructs an empty Hub. chatRouterAddr is the Chat Router's TCP
// address, used to deliver missed-call events.
func New(chatRouterAddr string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{rooms: make(map[string]*Room), log: log.With("component", "signaling"), chatRouterAddr: chatRouterAddr}
}

// CreateRoom mints a fresh 8-hex-character id and registers a new Room.
func (h *Hub) CreateRoom(kind, sessionType, chatID string) *Room {
	r := &Room{ID: newRoomID(), Kind: kind, SessionType: sessionType, ChatID: chatID, members: make(map[string]*participant)}
	h.mu.Lock()
	h.rooms[r.ID] = r
	h.mu.Unlock()
	return r
}

// Room looks up a room by id.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

func newRoomID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Join adds a participant under a fresh session id and returns that id along
// with a snapshot (sid -> name) of the members already present, which is
// empty for the first joiner. The user-connect notice to existing members is
// sent separately by NotifyJoined.
func (r *Room) Join(conn *websocket.Conn, username string) (mySID string, snapshot map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mySID = newRoomID()
	snapshot = make(map[string]string, len(r.members))
	for sid, p := range r.members {
		snapshot[sid] = p.name
	}
	r.members[mySID] = &participant{conn: conn, name: username}
	return mySID, snapshot
}

// NotifyJoined fans out user-connect to every existing member.
func (r *Room) NotifyJoined(mySID, username string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, p := range r.members {
		if sid == mySID {
			continue
		}
		_ = p.send(map[string]any{"type": "user-connect", "sid": mySID, "name": username})
	}
}

// Leave removes a participant. It reports whether the room is now empty.
func (r *Room) Leave(sid string) (empty bool) {
	r.mu.Lock()
	delete(r.members, sid)
	empty = len(r.members) == 0
	r.mu.Unlock()
	if !empty {
		r.broadcastExcept(sid, map[string]any{"type": "user-disconnect", "sid": sid})
	}
	return empty
}

func (r *Room) broadcastExcept(exceptSID string, v any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, p := range r.members {
		if sid == exceptSID {
			continue
		}
		_ = p.send(v)
	}
}

// Forward delivers a data{} event verbatim to targetSID, provided senderSID
// matches the caller's actual transport identity (validated by the caller).
func (r *Room) Forward(targetSID string, v any) {
	r.mu.RLock()
	p, ok := r.members[targetSID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_ = p.send(v)
}

// BroadcastExcept relays hand_raise/screen_share/reaction/audio_level to
// every member but the sender.
func (r *Room) BroadcastExcept(senderSID string, v any) {
	r.broadcastExcept(senderSID, v)
}

// RemoveRoom drops a room from the hub and sends the missed-call event into
// the chat router. It does not check membership itself; the server calls it
// only after Leave reports the room empty.
func (h *Hub) RemoveRoom(r *Room) {
	h.mu.Lock()
	delete(h.rooms, r.ID)
	h.mu.Unlock()
	h.sendMissedEvent(r)
}

// sendMissedEvent opens a short-lived client connection to the Chat Router,
// handshakes as a system identity, and sends exactly one video_missed or
// audio_missed frame (§4.4).
func (h *Hub) sendMissedEvent(r *Room) {
	if h.chatRouterAddr == "" {
		return
	}
	conn, err := net.DialTimeout("tcp", h.chatRouterAddr, 5*time.Second)
	if err != nil {
		h.log.Warn("missed-event dial failed", "room", r.ID, "err", err)
		return
	}
	defer conn.Close()

	kind := "video_missed"
	if r.Kind == "audio" {
		kind = "audio_missed"
	}
	frames := []any{
		map[string]string{"username": "_signaling_"},
		map[string]any{
			"type":         kind,
			"session_id":   r.ID,
			"session_type": r.SessionType,
			"chat_id":      r.ChatID,
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
		},
	}
	for _, f := range frames {
		b, err := json.Marshal(f)
		if err != nil {
			return
		}
		if _, err := conn.Write(append(b, '\n')); err != nil {
			h.log.Warn("missed-event write failed", "room", r.ID, "err", err)
			return
		}
	}
}

func fmtRoomURL(kind, id string) string {
	return fmt.Sprintf("/%s/%s", kind, id)
}
