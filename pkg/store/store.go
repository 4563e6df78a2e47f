package store

import "context"

// Store is the persistence contract every component depends on. The
// concrete implementation is SQLiteStore; tests may substitute a fake.
type Store interface {
	Close() error

	NewSession(ctx context.Context) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	TouchSession(ctx context.Context, id string) error
	SetCompactionCursor(ctx context.Context, id, messageID string) error
	ListSessions(ctx context.Context) ([]Session, error)

	AppendMessage(ctx context.Context, m Message) (Message, error)
	ListMessages(ctx context.Context, sessionID string, sinceID string, limit int) ([]Message, error)
	ListMessagesAfter(ctx context.Context, sessionID string, afterMsgID string) ([]Message, error)

	SaveMemory(ctx context.Context, e MemoryEntry) (MemoryEntry, error)
	SoftDeleteMemory(ctx context.Context, id string) error
	SearchMemory(ctx context.Context, query string, limit int, recencyWeight float64) ([]MemoryHit, error)

	GetAgentProfile(ctx context.Context) (AgentProfile, error)
	SetAgentProfile(ctx context.Context, p AgentProfile) error
	GetUserProfile(ctx context.Context) (UserProfile, error)
	SetUserProfile(ctx context.Context, p UserProfile) error

	GetAppState(ctx context.Context, key string) (string, bool, error)
	SetAppState(ctx context.Context, key, value string) error

	AddSummary(ctx context.Context, s SessionSummary) (SessionSummary, error)
	ListSummaries(ctx context.Context, sessionID string) ([]SessionSummary, error)

	LogToolInvocation(ctx context.Context, l ToolInvocationLog) error
	RecentToolInvocations(ctx context.Context, limit int) ([]ToolInvocationLog, error)

	SetRemoteServerHealth(ctx context.Context, h RemoteServerHealth) error
	ListRemoteServerHealth(ctx context.Context) ([]RemoteServerHealth, error)
}
