package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	UntitledConversation = "New Conversation"
	titleMaxLen          = 50
)

type Conversation struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);index:idx_conv_user_updated,priority:1;not null" json:"-"`
	Title     *string   `gorm:"type:varchar(255)" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_conv_user_updated,priority:2" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

// DisplayTitle is the title shown in listings.
func (c Conversation) DisplayTitle() string {
	if c.Title == nil || *c.Title == "" {
		return UntitledConversation
	}
	return *c.Title
}

// Message is append-only. It is removed only together with its conversation.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID string    `gorm:"type:varchar(36);not null;index:idx_msg_conv_created,priority:1" json:"conversation_id"`
	Role           string    `gorm:"type:varchar(16);not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "messages" }

// deriveTitle takes the first 50 characters of the opening message.
func deriveTitle(content string) string {
	r := []rune(content)
	if len(r) <= titleMaxLen {
		return content
	}
	return string(r[:titleMaxLen]) + "..."
}
