package chat

import "github.com/zhouzirui/memochat/backend/internal/model/chat"

// DefaultWindow is the number of turns kept as short-term context.
const DefaultWindow = 5

// Buffer is a sliding window over the most recent messages of one user. It
// holds at most 2*window messages (a user and an assistant message per turn)
// and evicts the oldest first. Buffer is not safe for concurrent use; Session
// serialises access to it.
type Buffer struct {
	window   int
	messages []chat.Message
}

// NewBuffer creates an empty buffer. Non-positive windows fall back to
// DefaultWindow.
func NewBuffer(window int) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{
		window:   window,
		messages: make([]chat.Message, 0, 2*window+1),
	}
}

// Capacity is the maximum number of messages kept.
func (b *Buffer) Capacity() int {
	return 2 * b.window
}

// Append adds msg at the end and drops messages from the front until the
// buffer is within capacity again.
func (b *Buffer) Append(msg chat.Message) {
	b.messages = append(b.messages, msg)

	if over := len(b.messages) - b.Capacity(); over > 0 {
		n := copy(b.messages, b.messages[over:])
		clear(b.messages[n:])
		b.messages = b.messages[:n]
	}
}

// Contents returns a copy of the buffered messages, oldest first.
func (b *Buffer) Contents() []chat.Message {
	out := make([]chat.Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	return len(b.messages)
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	clear(b.messages)
	b.messages = b.messages[:0]
}
