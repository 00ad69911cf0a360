package chain

import (
	"sync"

	"github.com/teranos/loom/prompt"
)

// Memory carries conversation history across executions of a chain.
// History is prepended to each rendered prompt; Save records the exchange
// after a successful execution.
type Memory interface {
	History() []prompt.Message
	Save(request []prompt.Message, reply prompt.Message)
}

// Buffer keeps every message of the conversation, or the last Window
// messages when Window > 0. Safe for concurrent use.
type Buffer struct {
	mu       sync.Mutex
	messages []prompt.Message
	window   int
}

// NewBuffer creates a buffer memory; window 0 keeps everything
func NewBuffer(window int) *Buffer {
	return &Buffer{window: window}
}

// History implements Memory
func (b *Buffer) History() []prompt.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]prompt.Message(nil), b.messages...)
}

// Save implements Memory. System messages of the request are not kept; they
// come back with every render anyway.
func (b *Buffer) Save(request []prompt.Message, reply prompt.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range request {
		if m.Role != prompt.RoleSystem {
			b.messages = append(b.messages, m)
		}
	}
	b.messages = append(b.messages, reply)
	if b.window > 0 && len(b.messages) > b.window {
		b.messages = append([]prompt.Message(nil), b.messages[len(b.messages)-b.window:]...)
	}
}

// Reset forgets the conversation
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// withHistory places history after the leading system messages of rendered
func withHistory(history, rendered []prompt.Message) []prompt.Message {
	if len(history) == 0 {
		return rendered
	}
	i := 0
	for i < len(rendered) && rendered[i].Role == prompt.RoleSystem {
		i++
	}
	out := make([]prompt.Message, 0, len(history)+len(rendered))
	out = append(out, rendered[:i]...)
	out = append(out, history...)
	out = append(out, rendered[i:]...)
	return out
}
