package chatrouter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"shadownexus/internal/registry"
	"shadownexus/internal/store"
	"shadownexus/internal/wire"
)

func storeGroupDef(id, name, admin string, members []string) store.GroupDef {
	return store.GroupDef{
		ID:        id,
		Name:      name,
		Admin:     admin,
		Members:   members,
		CreatedAt: time.Now().Format(wire.TimestampLayout),
	}
}

// dispatch is the exhaustive switch over wire message kinds (design note:
// "dynamic dispatch by string kind" rewritten as a discriminated union).
func (r *Router) dispatch(sess *Session, f wire.Frame) {
	f.Sender = sess.Username()
	if f.ID == "" && isPersistedKind(f.Type) {
		f.ID = uuid.NewString() // client omitted one; deletion needs a stable handle
	}
	switch f.Type {
	case wire.KindChat:
		r.handleChat(sess, f)
	case wire.KindFileShare, wire.KindAudioShare:
		r.handleChat(sess, f) // "global-scope broadcast identical to chat"
	case wire.KindPrivate, wire.KindPrivateFile, wire.KindPrivateAudio:
		r.handlePrivate(sess, f)
	case wire.KindGroupCreate:
		r.handleGroupCreate(sess, f)
	case wire.KindGroupMessage, wire.KindGroupFile, wire.KindGroupAudio:
		r.handleGroupMessage(sess, f)
	case wire.KindGroupAddMember:
		r.handleGroupAddMember(sess, f)
	case wire.KindGroupRemoveMember:
		r.handleGroupRemoveMember(sess, f)
	case wire.KindGroupUpdateName:
		r.handleGroupUpdateName(sess, f)
	case wire.KindGroupChangeAdmin:
		r.handleGroupChangeAdmin(sess, f)
	case wire.KindGroupDelete:
		r.handleGroupDelete(sess, f)
	case wire.KindRequestPrivateHist:
		r.handleRequestPrivateHistory(sess, f)
	case wire.KindRequestGroupHist:
		r.handleRequestGroupHistory(sess, f)
	case wire.KindRequestChatHist:
		r.sendFrame(sess, wire.Frame{Type: wire.KindChatHistory, Messages: r.store.GetGlobal(onDemandHistory)})
	case wire.KindVideoInvite, wire.KindAudioInvite,
		wire.KindVideoInvitePrivate, wire.KindAudioInvitePrivate,
		wire.KindVideoInviteGroup, wire.KindAudioInviteGroup:
		r.handleInvite(sess, f)
	case wire.KindGetUsers:
		r.sendFrame(sess, wire.Frame{Type: wire.KindUserList, Users: userInfos(r.reg.Users(sess.Username()))})
	case wire.KindRequestGroups:
		r.sendFrame(sess, wire.Frame{Type: wire.KindGroupList, Groups: groupInfos(r.reg.GroupsOf(sess.Username()))})
	case wire.KindDeleteMessage:
		r.handleDeleteMessage(sess, f)
	case wire.KindDeleteUserChat:
		r.handleDeleteUserChat(sess, f)
	case wire.KindPing:
		r.sendFrame(sess, wire.Frame{Type: wire.KindPong, Timestamp: time.Now().Format(wire.TimestampLayout)})
	case wire.KindPong:
		// last-activity already refreshed by the dispatch loop; nothing to forward.
	case wire.KindSaveRecentChat:
		r.reg.RecordRecentChat(sess.Username(), f.Receiver)
	case wire.KindScreenShare:
		r.handleScoped(f, true)
	default:
		r.log.Warn("unknown message kind", "type", f.Type, "user", sess.Username())
	}
}

func (r *Router) handleChat(sess *Session, f wire.Frame) {
	r.store.AppendGlobal(f)
	r.broadcastExcluding(f, nil) // includes sender per "broadcast unchanged to every connected non-system client including the sender"
}

func (r *Router) handlePrivate(sess *Session, f wire.Frame) {
	if f.Receiver == "" {
		r.sendSystem(sess, "private message requires a receiver")
		return
	}
	r.store.AppendPrivate(sess.Username(), f.Receiver, f)
	r.reg.RecordRecentChat(sess.Username(), f.Receiver)
	r.reg.RecordRecentChat(f.Receiver, sess.Username())

	line := encodeOrNil(f)
	if line == nil {
		return
	}
	if f.Receiver != sess.Username() {
		_ = r.reg.SendTo(f.Receiver, line)
	}
	_ = sess.Send(line) // always echo back to sender
}

func (r *Router) handleGroupCreate(sess *Session, f wire.Frame) {
	members := ensureMember(f.Members, sess.Username())
	gid := r.nextGroupID()
	def := storeGroupDef(gid, f.GroupName, sess.Username(), members)
	r.store.PutGroup(def)
	r.reg.PutGroup(registry.Group{ID: gid, Name: def.Name, Admin: def.Admin, Members: def.Members})

	created := wire.Frame{Type: wire.KindGroupCreated, GroupID: gid, GroupName: def.Name, AdminID: def.Admin, Members: def.Members, Timestamp: f.Timestamp}
	r.reg.SendToMany(r.reg.OnlineMembers(members), encodeOrNil(created))
	r.refreshGroupListToAll()
}

func (r *Router) handleGroupMessage(sess *Session, f wire.Frame) {
	g, ok := r.reg.Group(f.GroupID)
	if !ok || !contains(g.Members, sess.Username()) {
		r.sendSystem(sess, "You are not a member of this group")
		return
	}
	r.store.AppendGroup(f.GroupID, f)
	r.reg.SendToMany(r.reg.OnlineMembers(g.Members), encodeOrNil(f)) // "including sender"
}

func (r *Router) handleGroupAddMember(sess *Session, f wire.Frame) {
	g, ok := r.reg.Group(f.GroupID)
	if !ok || !contains(g.Members, sess.Username()) {
		r.sendSystem(sess, "You are not a member of this group")
		return
	}
	if f.Member == "" || contains(g.Members, f.Member) {
		return
	}
	g.Members = append(g.Members, f.Member)
	r.persistGroup(g)

	notice := wire.Frame{Type: wire.KindGroupMemberAdded, GroupID: g.ID, Member: f.Member, Timestamp: f.Timestamp}
	r.reg.SendToMany(r.reg.OnlineMembers(g.Members), encodeOrNil(notice))
	r.refreshGroupListToAll()
}

func (r *Router) handleGroupRemoveMember(sess *Session, f wire.Frame) {
	g, ok := r.reg.Group(f.GroupID)
	if !ok {
		return
	}
	target := f.Member
	if target == "" {
		target = sess.Username()
	}
	if sess.Username() != g.Admin && sess.Username() != target {
		r.sendSystem(sess, "Only the admin can remove other members")
		return
	}
	g.Members = remove(g.Members, target)
	r.persistGroup(g)

	notice := wire.Frame{Type: wire.KindGroupMemberRemov, GroupID: g.ID, Member: target, Timestamp: f.Timestamp}
	recipients := append(r.reg.OnlineMembers(g.Members), target)
	r.reg.SendToMany(recipients, encodeOrNil(notice))
	r.refreshGroupListToAll()
}

func (r *Router) handleGroupUpdateName(sess *Session, f wire.Frame) {
	g, ok := r.requireAdmin(sess, f.GroupID)
	if !ok {
		return
	}
	g.Name = f.GroupName
	r.persistGroup(g)
	notice := wire.Frame{Type: wire.KindGroupNameChanged, GroupID: g.ID, GroupName: g.Name, Timestamp: f.Timestamp}
	r.reg.SendToMany(r.reg.OnlineMembers(g.Members), encodeOrNil(notice))
	r.refreshGroupListToAll()
}

func (r *Router) handleGroupChangeAdmin(sess *Session, f wire.Frame) {
	g, ok := r.requireAdmin(sess, f.GroupID)
	if !ok {
		return
	}
	if !contains(g.Members, f.AdminID) {
		r.sendSystem(sess, "Target is not a member of this group")
		return
	}
	g.Admin = f.AdminID
	r.persistGroup(g)
	notice := wire.Frame{Type: wire.KindGroupAdminChanged, GroupID: g.ID, AdminID: g.Admin, Timestamp: f.Timestamp}
	r.reg.SendToMany(r.reg.OnlineMembers(g.Members), encodeOrNil(notice))
	r.refreshGroupListToAll()
}

func (r *Router) handleGroupDelete(sess *Session, f wire.Frame) {
	g, ok := r.requireAdmin(sess, f.GroupID)
	if !ok {
		return
	}
	r.store.DeleteGroup(g.ID)
	r.reg.DropGroup(g.ID)
	notice := wire.Frame{Type: wire.KindGroupDeleted, GroupID: g.ID, Timestamp: f.Timestamp}
	r.reg.SendToMany(r.reg.OnlineMembers(g.Members), encodeOrNil(notice))
	r.refreshGroupListToAll()
}

func (r *Router) requireAdmin(sess *Session, gid string) (registry.Group, bool) {
	g, ok := r.reg.Group(gid)
	if !ok {
		r.sendSystem(sess, "Unknown group")
		return registry.Group{}, false
	}
	if sess.Username() != g.Admin {
		r.sendSystem(sess, "Only admin can transfer admin rights")
		return registry.Group{}, false
	}
	return g, true
}

func (r *Router) handleRequestPrivateHistory(sess *Session, f wire.Frame) {
	hist := r.store.GetPrivate(sess.Username(), f.Receiver, onDemandHistory)
	r.sendFrame(sess, wire.Frame{Type: wire.KindPrivateHistory, TargetUser: f.Receiver, Messages: hist})
}

func (r *Router) handleRequestGroupHistory(sess *Session, f wire.Frame) {
	g, ok := r.reg.Group(f.GroupID)
	if !ok || !contains(g.Members, sess.Username()) {
		r.sendSystem(sess, "You are not a member of this group")
		return
	}
	hist := r.store.GetGroup(f.GroupID, onDemandHistory)
	r.sendFrame(sess, wire.Frame{Type: wire.KindGroupHistory, GroupID: f.GroupID, Messages: hist})
}

func (r *Router) handleInvite(sess *Session, f wire.Frame) {
	r.handleScoped(f, false)
}

// handleScoped routes f to the recipient set its chat_type/group_id/receiver
// implies. Unless skipPersist is set, the frame is first appended to that
// scope's log (used by invites); screen_share passes skipPersist and is
// never persisted.
func (r *Router) handleScoped(f wire.Frame, skipPersist bool) []string {
	var recipients []string
	switch {
	case f.GroupID != "":
		g, ok := r.reg.Group(f.GroupID)
		if !ok {
			return nil
		}
		if !skipPersist {
			r.store.AppendGroup(f.GroupID, f)
		}
		recipients = r.reg.OnlineMembers(g.Members)
	case f.Receiver != "":
		if !skipPersist {
			r.store.AppendPrivate(f.Sender, f.Receiver, f)
		}
		recipients = []string{f.Sender, f.Receiver}
	default:
		if !skipPersist {
			r.store.AppendGlobal(f)
		}
		recipients = r.reg.Users("")
	}
	line := encodeOrNil(f)
	r.reg.SendToMany(recipients, line)
	return recipients
}

func (r *Router) handleDeleteMessage(sess *Session, f wire.Frame) {
	var ok bool
	var recipients []string
	switch f.ChatType {
	case "private":
		ok = r.store.DeletePrivateMessage(sess.Username(), f.Receiver, f.MessageID)
		recipients = []string{sess.Username(), f.Receiver}
	case "group":
		g, found := r.reg.Group(f.GroupID)
		if !found {
			return
		}
		ok = r.store.DeleteGroupMessage(f.GroupID, f.MessageID)
		recipients = r.reg.OnlineMembers(g.Members)
	default:
		ok = r.store.DeleteGlobalMessage(f.MessageID)
		recipients = r.reg.Users("")
	}
	if !ok {
		return
	}
	notice := wire.Frame{Type: wire.KindMessageDeleted, MessageID: f.MessageID, ChatType: f.ChatType, GroupID: f.GroupID, Receiver: f.Receiver}
	r.reg.SendToMany(recipients, encodeOrNil(notice))
}

func (r *Router) handleDeleteUserChat(sess *Session, f wire.Frame) {
	r.store.DeletePrivateConversation(sess.Username(), f.Receiver)
	r.sendFrame(sess, wire.Frame{Type: wire.KindUserChatDeleted, Receiver: f.Receiver})
}

// handleSystemFrame processes the single event a system identity sends
// (currently only the missed-call events from the signaling hub).
func (r *Router) handleSystemFrame(f wire.Frame) {
	switch f.Type {
	case wire.KindVideoMissed, wire.KindAudioMissed:
		var recipients []string
		switch f.SessionType {
		case "private":
			recipients = []string{} // chat_id carries "userA_userB", split at its first underscore
			if u1, u2, ok := splitPair(f.ChatID); ok {
				recipients = []string{u1, u2}
			}
		case "group":
			if g, ok := r.reg.Group(f.ChatID); ok {
				recipients = r.reg.OnlineMembers(g.Members)
			}
		default:
			recipients = r.reg.Users("")
		}
		r.reg.SendToMany(recipients, encodeOrNil(f))
	default:
		r.log.Warn("unexpected system-identity frame", "type", f.Type)
	}
}

func splitPair(chatID string) (string, string, bool) {
	for i := 0; i < len(chatID); i++ {
		if chatID[i] == '_' {
			return chatID[:i], chatID[i+1:], true
		}
	}
	return "", "", false
}

func (r *Router) nextGroupID() string {
	seq := r.groupSeq.Add(1)
	return fmt.Sprintf("group_%d_%d", time.Now().UnixMilli(), seq)
}

func (r *Router) persistGroup(g registry.Group) {
	def := storeGroupDef(g.ID, g.Name, g.Admin, g.Members)
	r.store.PutGroup(def)
	r.reg.PutGroup(g)
}

func (r *Router) refreshGroupListToAll() {
	for _, name := range r.reg.Users("") {
		r.reg.SendTo(name, encodeOrNil(wire.Frame{Type: wire.KindGroupList, Groups: groupInfos(r.reg.GroupsOf(name))}))
	}
}

func ensureMember(members []string, self string) []string {
	if contains(members, self) {
		return members
	}
	return append(members, self)
}

func isPersistedKind(kind string) bool {
	switch kind {
	case wire.KindChat, wire.KindFileShare, wire.KindAudioShare,
		wire.KindPrivate, wire.KindPrivateFile, wire.KindPrivateAudio,
		wire.KindGroupMessage, wire.KindGroupFile, wire.KindGroupAudio:
		return true
	default:
		return false
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
