package server

import (
	"errors"
	"sync"

	"github.com/bionic-gpt/bionic-gpt-sub000/pkg/llm"
)

// chat is the server-side state of one conversation. Messages is the full
// history sent upstream; Pending counts the trailing user messages not yet
// committed to the DAG; Head is the hash of the last committed node.
type chat struct {
	Model    string
	Messages []llm.Message
	Pending  int
	Head     string
}

// chatRegistry tracks conversations by chat ID.
type chatRegistry struct {
	mu    sync.Mutex
	chats map[string]*chat
}

func newChatRegistry() *chatRegistry {
	return &chatRegistry{chats: make(map[string]*chat)}
}

// addUserMessage queues a user message on chatID, creating the chat if needed.
func (r *chatRegistry) addUserMessage(chatID, model, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[chatID]
	if !ok {
		c = &chat{}
		r.chats[chatID] = c
	}
	if model != "" {
		c.Model = model
	}
	c.Messages = append(c.Messages, llm.Message{Role: llm.RoleUser, Content: content})
	c.Pending++
}

// snapshot returns a copy of the chat, or false if it doesn't exist.
func (r *chatRegistry) snapshot(chatID string) (chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[chatID]
	if !ok {
		return chat{}, false
	}
	cp := *c
	cp.Messages = append([]llm.Message(nil), c.Messages...)
	return cp, true
}

// errStaleTurn is returned by commit when the chat moved on since the turn
// was read: another finalize committed first.
var errStaleTurn = errors.New("chat changed since the turn was read")

// commit records the assistant response after the first consumed pending
// messages, and moves the head from expectedHead to head. Messages queued
// after the turn was read stay pending.
func (r *chatRegistry) commit(chatID string, consumed int, expectedHead string, response llm.Message, head string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chats[chatID]
	if !ok || c.Head != expectedHead || consumed > c.Pending {
		return errStaleTurn
	}

	at := len(c.Messages) - c.Pending + consumed
	messages := make([]llm.Message, 0, len(c.Messages)+1)
	messages = append(messages, c.Messages[:at]...)
	messages = append(messages, response)
	messages = append(messages, c.Messages[at:]...)

	c.Messages = messages
	c.Pending -= consumed
	c.Head = head
	return nil
}
