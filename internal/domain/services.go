package domain

import "context"

// ConversationService is the backend's conversation resource.
type ConversationService interface {
	List(ctx context.Context) ([]Conversation, error)
	Create(ctx context.Context, title string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	Update(ctx context.Context, id string, title string) (*Conversation, error)
	Delete(ctx context.Context, id string) error
}

// MessageService is the backend's message resource.
type MessageService interface {
	List(ctx context.Context, conversationID string) ([]Message, error)
	Send(ctx context.Context, conversationID, content string, image *ImageRef) (*Message, error)
	Reply(ctx context.Context, conversationID, content string) (*Message, error)
}

// ImageService uploads attachments and resolves their public URLs.
type ImageService interface {
	Validate(att *Attachment) error
	Upload(ctx context.Context, att *Attachment, userID, messageID, conversationID string) (*UploadResult, error)
	URL(filename string) string
}

// SnapshotCache keeps the last known server view for offline reads.
type SnapshotCache interface {
	SaveConversations(ctx context.Context, convs []Conversation) error
	ListConversations(ctx context.Context) ([]Conversation, error)
	SaveMessages(ctx context.Context, conversationID string, msgs []Message) error
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	DeleteConversation(ctx context.Context, id string) error
}
