package store

// Group is a journaled group session.
type Group struct {
	GroupID      string
	Name         string
	Mode         string // local, linked
	CreatedAt    int64
	MessageCount int
}

// Message is a journaled history entry.
type Message struct {
	ID        int64
	GroupID   string
	MsgID     string
	Sender    string
	Body      string
	FromMe    bool
	Delivered bool
	Timestamp int64
}

// OutboxEntry tracks a message of ours that the delivery service did not
// accept.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	GroupID      string
	Body         string
	Status       string // undelivered, delivered
	ErrorMessage string
}
