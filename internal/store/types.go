package store

// Chat represents a conversation with one correspondent.
type Chat struct {
	ID                 int64
	PeerEmail          string
	Title              string
	LastMessageAt      int64
	LastMessagePreview string
}

// Recipient represents an addressable correspondent.
type Recipient struct {
	ID    int64
	Email string
	Name  string
}

// Recording represents a local or remote audio payload with optional
// transcription enrichment.
type Recording struct {
	ID                   int64
	Path                 string
	DurationMS           int64
	Transcript           string
	TranscriptConfidence float64
	TranscriptLang       string
}

// Message represents one audio message between an author and recipients.
// RegisteredAt is the creation instant and is authoritative for ordering;
// synchronization never rewrites it.
type Message struct {
	ID           int64
	ChatID       int64
	RecordingID  int64 // 0 = no recording
	AuthorEmail  string
	Subject      string
	Body         string
	RegisteredAt int64 // unix millis
	Sent         bool
	Received     bool
	Played       bool
	ReadAt       int64
	ServerID     string
	CanonicalURL string
	ShortURL     string
}

// MessageRecipient is one recipient association of a message. Confirmed
// means the channel individually confirmed delivery to this recipient,
// distinct from the message-level aggregate Sent flag.
type MessageRecipient struct {
	RecipientID int64
	Email       string
	Confirmed   bool
}

// Delivery statuses.
const (
	DeliveryQueued    = "queued"
	DeliveryInflight  = "inflight"
	DeliverySuspended = "suspended"
	DeliverySent      = "sent"
	DeliveryFailed    = "failed"
	DeliveryCancelled = "cancelled"
)

// Delivery represents a durable outbound send attempt for one
// message/channel pair. TaskUID is the stable correlation identifier
// reused across requeues.
type Delivery struct {
	ID            int64
	TaskUID       string
	MessageID     int64
	Channel       string
	Status        string
	Attempts      int
	Handle        string
	LastError     string
	NextAttemptAt int64
}

// PendingLogout is a durable compensating action: notify the backend of a
// logout using the token snapshotted at logout time.
type PendingLogout struct {
	ID        int64
	DeviceID  string
	AccountID string
	Token     string
	CreatedAt int64
}

// RemoteMessage is a server-described message handed to ingestion.
type RemoteMessage struct {
	ServerID             string
	SenderEmail          string
	RecipientEmails      []string
	AudioURL             string
	ShortURL             string
	Transcript           string
	TranscriptConfidence float64
	TranscriptLang       string
	DurationMS           int64
	RegisteredAt         int64
	ReadAt               int64
	Received             bool // partition flag
}
