package models

// Conversation types for a chat.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// ChatRequest is the input to the conversation flow resolver. BotID and
// ChatID are required; in bot-scoped chats the two are equal. Query may be
// empty only when attachments are present.
type ChatRequest struct {
	BotID  string `json:"botId"`
	ChatID string `json:"chatId"`
	Query  string `json:"query"`

	Attachments []ChatAttachment `json:"attachments,omitempty"`

	// Messages is a prior transcript appended after the loaded history.
	Messages []ModelMessage `json:"messages,omitempty"`

	// Model and Provider are optional selection overrides.
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	Skills         []string `json:"skills,omitempty"`
	AllowedActions []string `json:"allowedActions,omitempty"`

	Channels         []string `json:"channels,omitempty"`
	CurrentChannel   string   `json:"currentChannel,omitempty"`
	ConversationType string   `json:"conversationType,omitempty"`

	SourceChannelIdentityID string `json:"sourceChannelIdentityId,omitempty"`
	UserID                  string `json:"userId,omitempty"`
	DisplayName             string `json:"displayName,omitempty"`
	ExternalMessageID       string `json:"externalMessageId,omitempty"`
	RouteID                 string `json:"routeId,omitempty"`
	ContainerID             string `json:"containerId,omitempty"`

	// Token is an opaque bearer credential forwarded to the agent gateway.
	Token string `json:"-"`

	// MaxContextLoadTime is minutes of history to include. Negative skips
	// history entirely; zero defers to chat/bot settings (default 24h).
	MaxContextLoadTime int `json:"maxContextLoadTime,omitempty"`

	// UserMessagePersisted marks the user message as already stored, so
	// streaming retries do not duplicate it.
	UserMessagePersisted bool `json:"userMessagePersisted,omitempty"`
}

// ScheduleRequest triggers one scheduled round. Command is the query; the
// round is attributed to the bot owner.
type ScheduleRequest struct {
	BotID       string `json:"botId"`
	ChatID      string `json:"chatId,omitempty"`
	ScheduleID  string `json:"scheduleId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	MaxCalls    *int   `json:"maxCalls,omitempty"`
	Command     string `json:"command"`
	OwnerUserID string `json:"ownerUserId,omitempty"`
	ContainerID string `json:"containerId,omitempty"`
	Token       string `json:"-"`
}

// ChatResponse is the blocking-chat result: the round transcript plus the
// model and provider that served it.
type ChatResponse struct {
	Messages []ModelMessage `json:"messages"`
	Skills   []string       `json:"skills,omitempty"`
	Model    string         `json:"model,omitempty"`
	Provider string         `json:"provider,omitempty"`
}
