// Package wire defines the newline-delimited JSON envelope exchanged over
// the chat router's TCP connections.
package wire

import "github.com/goccy/go-json"

// Client->server message kinds.
const (
	KindChat                 = "chat"
	KindPrivate              = "private"
	KindPrivateFile          = "private_file"
	KindPrivateAudio         = "private_audio"
	KindGroupCreate          = "group_create"
	KindGroupMessage         = "group_message"
	KindGroupFile            = "group_file"
	KindGroupAudio           = "group_audio"
	KindGroupAddMember       = "group_add_member"
	KindGroupRemoveMember    = "group_remove_member"
	KindGroupUpdateName      = "group_update_name"
	KindGroupChangeAdmin     = "group_change_admin"
	KindGroupDelete          = "group_delete"
	KindRequestPrivateHist   = "request_private_history"
	KindRequestGroupHist     = "request_group_history"
	KindRequestChatHist      = "request_chat_history"
	KindFileShare            = "file_share"
	KindAudioShare           = "audio_share"
	KindVideoInvite          = "video_invite"
	KindVideoInvitePrivate   = "video_invite_private"
	KindVideoInviteGroup     = "video_invite_group"
	KindAudioInvite          = "audio_invite"
	KindAudioInvitePrivate   = "audio_invite_private"
	KindAudioInviteGroup     = "audio_invite_group"
	KindGetUsers             = "get_users"
	KindRequestGroups        = "request_groups"
	KindDeleteMessage        = "delete_message"
	KindDeleteUserChat       = "delete_user_chat"
	KindPing                 = "ping"
	KindPong                 = "pong"
	KindSaveRecentChat       = "save_recent_chat"
	KindScreenShare          = "screen_share"
)

// Server->client message kinds not already covered by an echoed client kind.
const (
	KindSystem            = "system"
	KindChatHistory       = "chat_history"
	KindPrivateHistory    = "private_history"
	KindGroupHistory      = "group_history"
	KindUserList          = "user_list"
	KindGroupList         = "group_list"
	KindFileMetadata      = "file_metadata"
	KindFileNotification  = "file_notification"
	KindGroupCreated      = "group_created"
	KindGroupMemberAdded  = "group_member_added"
	KindGroupMemberRemov  = "group_member_removed"
	KindGroupNameChanged  = "group_name_changed"
	KindGroupAdminChanged = "group_admin_changed"
	KindGroupDeleted      = "group_deleted"
	KindMessageDeleted    = "message_deleted"
	KindUserChatDeleted   = "user_chat_deleted"
	KindVideoMissed       = "video_missed"
	KindAudioMissed       = "audio_missed"
)

// TimestampLayout is the format newly minted server timestamps use.
// Historical records on disk may carry other layouts and are preserved as-is.
const TimestampLayout = "2006-01-02 03:04 PM"

// ReplyTo is reply metadata attached to a chat-like message, preserved verbatim.
type ReplyTo struct {
	MessageID string `json:"messageId,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Frame is the single envelope shape used in both directions. Unused fields
// are omitted on the wire; handlers read only the fields their kind defines.
type Frame struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Username  string `json:"username,omitempty"` // handshake only

	GroupID   string   `json:"group_id,omitempty"`
	GroupName string   `json:"group_name,omitempty"`
	Members   []string `json:"members,omitempty"`
	Member    string   `json:"member,omitempty"`
	AdminID   string   `json:"admin,omitempty"`

	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	ChatType  string `json:"chat_type,omitempty"`

	SessionID   string `json:"session_id,omitempty"`
	SessionType string `json:"session_type,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`

	ReplyTo *ReplyTo `json:"replyTo,omitempty"`

	Limit int `json:"limit,omitempty"`

	Message string `json:"message,omitempty"` // system/error text

	Users  []UserInfo  `json:"users,omitempty"`
	Groups []GroupInfo `json:"groups,omitempty"`

	Messages   []Frame `json:"messages,omitempty"`
	TargetUser string  `json:"target_user,omitempty"`

	Deleted bool `json:"deleted,omitempty"`
}

// UserInfo is a brief snapshot of a connected user, used in user_list frames.
type UserInfo struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// GroupInfo is a brief snapshot of a group, used in group_list frames.
type GroupInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Admin   string   `json:"admin"`
	Members []string `json:"members"`
}

// Marshal appends a trailing newline, matching the newline-delimited framing.
func Marshal(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Unmarshal decodes a single line (without its trailing newline) into f.
func Unmarshal(line []byte, f *Frame) error {
	return json.Unmarshal(line, f)
}
