// Package chatrouter implements the framed-TCP chat bus: handshake, dispatch
// by message kind, fan-out, and the heartbeat liveness sweep.
package chatrouter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"shadownexus/internal/registry"
	"shadownexus/internal/store"
	"shadownexus/internal/wire"
)

const (
	handshakeDeadline = 30 * time.Second
	heartbeatInterval = 30 * time.Second
	staleAfter        = 180 * time.Second
	maxReadErrors     = 3
	welcomeHistoryLen = 300
	onDemandHistory   = 100
)

// Router is the Chat Router singleton: one per process, constructed once at
// startup and shared by reference.
type Router struct {
	store *store.Store
	reg   *registry.Registry
	log   *slog.Logger

	groupSeq atomic.Int64
}

// New constructs a Router bound to the given store and registry.
func New(st *store.Store, reg *registry.Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{store: st, reg: reg, log: log.With("component", "chatrouter")}
}

// Run accepts connections on addr until ctx is canceled. The accept loop
// polls the listener with a 1s deadline so shutdown can interrupt it.
func (r *Router) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("chatrouter: listen %s: %w", addr, err)
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("chatrouter: unexpected listener type %T", ln)
	}
	defer tcpLn.Close()

	go r.heartbeatLoop(ctx)

	r.log.Info("listening", "addr", addr)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = tcpLn.SetDeadline(time.Now().Add(time.Second))
		conn, err := tcpLn.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("accept failed", "err", err)
			continue
		}
		go r.serveConn(ctx, conn)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (r *Router) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReaderSize(conn, 64*1024)

	sess, ok := r.handshake(conn, reader)
	if !ok {
		return
	}
	if sess == nil {
		return // system identity: its one-shot frame was already served inside handshake
	}

	defer r.teardown(sess)

	_ = conn.SetReadDeadline(time.Time{})
	r.dispatchLoop(ctx, sess, reader)
}

// handshake performs the accept->identity->welcome sequence. It returns a
// non-nil Session for a normal user that has been registered, or a nil
// Session (ok=true) for a system identity whose single frame has already
// been consumed and dispatched by this function.
func (r *Router) handshake(conn net.Conn, reader *bufio.Reader) (*Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	line, err := readLine(reader)
	if err != nil {
		r.log.Debug("handshake read failed", "err", err)
		return nil, false
	}
	var hello struct {
		Username string `json:"username"`
	}
	if err := json.Unmarshal(line, &hello); err != nil || hello.Username == "" {
		r.log.Debug("handshake decode failed", "err", err)
		return nil, false
	}

	if isSystemName(hello.Username) {
		return r.serveSystemIdentity(conn, reader, hello.Username)
	}

	sess := newSession(conn, hello.Username, false)
	if !r.reg.Register(sess) {
		r.sendSystem(sess, "Username already connected")
		return nil, false
	}

	r.store.UpdateUser(hello.Username, conn.RemoteAddr().String())
	r.sendWelcome(sess)
	r.announceJoin(hello.Username)
	r.broadcastUserLists()
	return sess, true
}

// serveSystemIdentity handles a restricted-mode connection end to end: it
// never joins the registry, receives no broadcasts, and is expected to send
// exactly one event frame (e.g. video_missed) before closing.
func (r *Router) serveSystemIdentity(conn net.Conn, reader *bufio.Reader, name string) (*Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	line, err := readLine(reader)
	if err != nil {
		return nil, true
	}
	var f wire.Frame
	if err := json.Unmarshal(line, &f); err != nil {
		r.log.Debug("system identity sent malformed frame", "err", err)
		return nil, true
	}
	r.handleSystemFrame(f)
	return nil, true
}

func (r *Router) sendWelcome(sess *Session) {
	r.sendFrame(sess, wire.Frame{Type: wire.KindChatHistory, Messages: r.store.GetGlobal(welcomeHistoryLen)})
	r.sendFrame(sess, wire.Frame{Type: wire.KindFileMetadata, Messages: fileFrames(r.store.AllFiles())})
	r.sendFrame(sess, wire.Frame{Type: wire.KindGroupList, Groups: groupInfos(r.reg.GroupsOf(sess.Username()))})
	r.sendFrame(sess, wire.Frame{Type: wire.KindUserList, Users: userInfos(r.reg.Users(sess.Username()))})

	for _, peer := range r.store.PrivatePeersOf(sess.Username()) {
		hist := r.store.GetPrivate(sess.Username(), peer, welcomeHistoryLen)
		r.sendFrame(sess, wire.Frame{Type: wire.KindPrivateHistory, TargetUser: peer, Messages: hist})
	}
	for _, g := range r.reg.GroupsOf(sess.Username()) {
		hist := r.store.GetGroup(g.ID, welcomeHistoryLen)
		r.sendFrame(sess, wire.Frame{Type: wire.KindGroupHistory, GroupID: g.ID, Messages: hist})
	}

	r.sendFrame(sess, wire.Frame{Type: wire.KindSystem, Message: fmt.Sprintf("Welcome, %s", sess.Username())})
}

func (r *Router) announceJoin(name string) {
	r.broadcastExcluding(wire.Frame{Type: wire.KindSystem, Message: fmt.Sprintf("%s joined", name)}, map[string]bool{name: true})
}

func (r *Router) broadcastUserLists() {
	for _, name := range r.reg.Users("") {
		r.reg.SendTo(name, encodeOrNil(wire.Frame{Type: wire.KindUserList, Users: userInfos(r.reg.Users(name))}))
	}
}

func (r *Router) teardown(sess *Session) {
	if !r.reg.Unregister(sess.Username()) {
		return
	}
	r.broadcastExcluding(wire.Frame{Type: wire.KindSystem, Message: fmt.Sprintf("%s left", sess.Username())}, nil)
	r.broadcastUserLists()
}

// dispatchLoop reads newline-delimited frames and dispatches each by kind
// until a critical error occurs or the context is canceled.
func (r *Router) dispatchLoop(ctx context.Context, sess *Session, reader *bufio.Reader) {
	consecutiveErrs := 0
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := readLine(reader)
		if err != nil {
			if isCriticalReadErr(err) {
				return
			}
			consecutiveErrs++
			if consecutiveErrs >= maxReadErrors {
				return
			}
			continue
		}
		consecutiveErrs = 0
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var f wire.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			r.log.Warn("malformed frame", "user", sess.Username(), "err", err)
			continue
		}
		if f.Timestamp == "" {
			f.Timestamp = time.Now().Format(wire.TimestampLayout)
		}
		r.reg.Touch(sess.Username())
		r.dispatch(sess, f)
	}
}

func readLine(reader *bufio.Reader) ([]byte, error) {
	line, err := reader.ReadBytes('\n')
	if len(line) > 0 {
		line = []byte(strings.TrimRight(string(line), "\r\n"))
	}
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return line, nil
		}
		return line, err
	}
	return line, nil
}

func isCriticalReadErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection aborted") ||
		strings.Contains(msg, "use of closed network connection")
}

func (r *Router) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeatTick()
		}
	}
}

func (r *Router) heartbeatTick() {
	for _, name := range r.reg.StaleSessions(staleAfter) {
		if sess, ok := r.reg.FindByName(name); ok {
			if s, ok := sess.(*Session); ok {
				s.conn.Close()
			}
			r.teardown(&Session{username: name})
		}
	}
	ping := encodeOrNil(wire.Frame{Type: wire.KindPing, Timestamp: time.Now().Format(wire.TimestampLayout)})
	for _, sess := range r.reg.AllSessions() {
		_ = sess.Send(ping)
	}
}

// sendFrame marshals and writes f to sess, logging (not failing) on error.
func (r *Router) sendFrame(sess *Session, f wire.Frame) {
	line := encodeOrNil(f)
	if line == nil {
		return
	}
	if err := sess.Send(line); err != nil {
		r.log.Debug("send failed", "user", sess.Username(), "err", err)
	}
}

func (r *Router) sendSystem(sess *Session, msg string) {
	r.sendFrame(sess, wire.Frame{Type: wire.KindSystem, Message: msg})
}

func (r *Router) broadcastExcluding(f wire.Frame, exclude map[string]bool) {
	line := encodeOrNil(f)
	if line == nil {
		return
	}
	failed := r.reg.Broadcast(line, exclude, isCriticalReadErr)
	for _, name := range failed {
		if sess, ok := r.reg.FindByName(name); ok {
			if s, ok := sess.(*Session); ok {
				s.conn.Close()
			}
		}
	}
}

func encodeOrNil(f wire.Frame) []byte {
	b, err := wire.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}

func userInfos(names []string) []wire.UserInfo {
	out := make([]wire.UserInfo, 0, len(names))
	for _, n := range names {
		out = append(out, wire.UserInfo{Username: n, Online: true})
	}
	return out
}

func groupInfos(groups []registry.Group) []wire.GroupInfo {
	out := make([]wire.GroupInfo, 0, len(groups))
	for _, g := range groups {
		out = append(out, wire.GroupInfo{ID: g.ID, Name: g.Name, Admin: g.Admin, Members: g.Members})
	}
	return out
}

func fileFrames(files []store.FileRecord) []wire.Frame {
	out := make([]wire.Frame, 0, len(files))
	for _, f := range files {
		out = append(out, wire.Frame{
			Type: wire.KindFileMetadata, FileID: f.ID, FileName: f.Name,
			FileSize: f.Size, Sender: f.Sender, Timestamp: f.Timestamp,
		})
	}
	return out
}
