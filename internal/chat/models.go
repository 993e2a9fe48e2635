package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one conversation. SessionID is a caller-supplied UUID; the
// unique index makes the database the arbiter when two first-use requests
// race on the same id.
type Session struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"sessionId"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Provider  string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message rows are immutable once written. History order is created_at
// ascending with the auto-increment id breaking ties (insertion order).
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"type:varchar(36);not null;index:idx_chat_msg_user_session_id,priority:2;index:uniq_chat_msg_idempo,unique,priority:2" json:"sessionId"`
	UserID         uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"-"`
	Role           string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time `gorm:"index" json:"createdAt"`
}

func (Message) TableName() string { return "chat_messages" }
