package model

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// MainBranchID is the reserved id of the default branch every conversation
// starts on. It is never derived and never used for a fork.
const MainBranchID = "main"

// Conversation is the root of a branch tree. Titles are stored encrypted
// when at-rest encryption is enabled, so the raw column is excluded from
// JSON and surfaced through store DTOs instead.
type Conversation struct {
	ID          string    `json:"id"          gorm:"primaryKey"`
	OwnerUserID string    `json:"ownerUserId" gorm:"not null;index"`
	Title       []byte    `json:"-"           gorm:"type:bytea"` // encrypted
	CreatedAt   time.Time `json:"createdAt"   gorm:"not null"`
	UpdatedAt   time.Time `json:"updatedAt"   gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Branch is a named message timeline within a conversation. Branch ids are
// unique per conversation, not globally. ParentBranchID and ParentMessageID
// are set together on forked branches and are both nil on root branches.
type Branch struct {
	ID              string    `json:"id"                        gorm:"primaryKey"`
	ConversationID  string    `json:"conversationId"            gorm:"primaryKey"`
	Name            *string   `json:"name,omitempty"`
	ParentBranchID  *string   `json:"parentBranchId,omitempty"`
	ParentMessageID *string   `json:"parentMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"                 gorm:"not null"`
	UpdatedAt       time.Time `json:"updatedAt"                 gorm:"not null"`
}

func (Branch) TableName() string { return "branches" }

// Message is a single chat message on a branch. The id and timestamp are
// assigned by the store on append; callers never supply them.
type Message struct {
	ID             uuid.UUID `json:"id"             gorm:"primaryKey;type:uuid"`
	ConversationID string    `json:"conversationId" gorm:"not null;index:idx_messages_branch"`
	BranchID       string    `json:"branchId"       gorm:"not null;index:idx_messages_branch"`
	Role           Role      `json:"role"           gorm:"not null"`
	Content        []byte    `json:"-"              gorm:"type:bytea;not null"` // encrypted
	Timestamp      time.Time `json:"timestamp"      gorm:"not null"`
}

func (Message) TableName() string { return "messages" }
