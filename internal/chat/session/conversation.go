// Package session reconciles a live client view of one chat with the
// durable store. While a turn streams, its messages exist only under
// ephemeral ids; once the authoritative list arrives they migrate onto
// their durable ids without losing per-message state.
package session

import (
	"fmt"
	"sync"

	"github.com/lk2023060901/ai-chat-backend/internal/chat/retrieval"
	"github.com/lk2023060901/ai-chat-backend/internal/chat/types"
)

// State is the turn lifecycle position of a conversation view.
type State string

const (
	// StateIdle means no turn is in flight.
	StateIdle State = "idle"
	// StateSending means the user message is dispatched but the
	// response stream has not opened.
	StateSending State = "sending"
	// StateStreaming means assistant events are arriving.
	StateStreaming State = "streaming"
	// StateSettling means the stream ended and the view is waiting for
	// the authoritative message list.
	StateSettling State = "settling"
)

// PendingMessage is a message rendered under an ephemeral id.
type PendingMessage struct {
	ID            string
	Role          string
	Text          string
	Reasoning     string
	StoppedByUser bool
}

// Conversation is the reconciled view of one chat. All methods are safe
// for concurrent use.
type Conversation struct {
	mu sync.Mutex

	chatID  string
	state   State
	durable []types.Message
	pending []*PendingMessage

	// metadata and images are keyed by message id and survive the
	// ephemeral to durable migration.
	metadata map[string]types.MessageMetadata
	images   map[string]*retrieval.ContextBundle

	// watermark is the durable message count captured when the turn was
	// first sent. Settling maps authoritative messages past it onto the
	// pending ones by position.
	watermark      int
	watermarkBound bool

	// bindWatermark is the rendered message count captured at send time.
	// Image metadata arriving on the side channel binds to the first
	// assistant message at or after it, never to an earlier one.
	bindWatermark  int
	pendingBinding *retrieval.ContextBundle

	nextEphID int
	cancelled bool
}

// NewConversation creates a view seeded with the chat's durable history.
func NewConversation(chatID string, history []types.Message) *Conversation {
	return &Conversation{
		chatID:   chatID,
		state:    StateIdle,
		durable:  append([]types.Message(nil), history...),
		metadata: make(map[string]types.MessageMetadata),
		images:   make(map[string]*retrieval.ContextBundle),
	}
}

// State returns the current lifecycle state.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginTurn renders the user message under an ephemeral id and moves to
// sending. A retry of a failed turn keeps the watermark captured on the
// first attempt, since the durable store has not moved in between.
func (c *Conversation) BeginTurn(text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return "", fmt.Errorf("cannot begin turn in state %s", c.state)
	}
	if !c.watermarkBound {
		c.watermark = len(c.durable)
		c.bindWatermark = len(c.durable) + len(c.pending)
		c.watermarkBound = true
	}

	// A retry re-renders the same user message rather than stacking a
	// duplicate.
	if n := len(c.pending); n > 0 && c.pending[n-1].Role == "user" {
		c.pending[n-1].Text = text
		c.state = StateSending
		c.cancelled = false
		return c.pending[n-1].ID, nil
	}

	id := c.nextID()
	c.pending = append(c.pending, &PendingMessage{ID: id, Role: "user", Text: text})
	c.state = StateSending
	c.cancelled = false
	return id, nil
}

// StreamStarted opens the assistant's ephemeral message and moves to
// streaming.
func (c *Conversation) StreamStarted() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSending {
		return "", fmt.Errorf("cannot start stream in state %s", c.state)
	}
	id := c.nextID()
	c.pending = append(c.pending, &PendingMessage{ID: id, Role: "assistant"})
	c.state = StateStreaming
	c.resolveBinding()
	return id, nil
}

// AttachImageMetadata delivers side-channel image metadata for the
// in-flight turn. The headers can arrive before the assistant message
// exists locally; the binding stays pending until one appears at or
// after the send-time watermark.
func (c *Conversation) AttachImageMetadata(bundle *retrieval.ContextBundle) {
	if bundle == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pendingBinding = bundle
	c.resolveBinding()
}

// ImageMetadata returns the image bundle bound to a message id.
func (c *Conversation) ImageMetadata(id string) (*retrieval.ContextBundle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bundle, ok := c.images[id]
	return bundle, ok
}

// resolveBinding binds pending image metadata to the first assistant
// message at or after the watermark. Caller holds the lock.
func (c *Conversation) resolveBinding() {
	if c.pendingBinding == nil {
		return
	}
	idx := 0
	for _, m := range c.durable {
		if idx >= c.bindWatermark && m.Role == "assistant" {
			c.images[m.ID] = c.pendingBinding
			c.pendingBinding = nil
			return
		}
		idx++
	}
	for _, p := range c.pending {
		if idx >= c.bindWatermark && p.Role == "assistant" {
			c.images[p.ID] = c.pendingBinding
			c.pendingBinding = nil
			return
		}
		idx++
	}
}

// Apply folds one stream event into the assistant's pending message.
// Events arriving after Cancel are dropped: what the user saw when they
// stopped is what stays on screen.
func (c *Conversation) Apply(ev types.StreamEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming || c.cancelled {
		return
	}
	msg := c.assistantPending()
	if msg == nil {
		return
	}

	switch ev.Type {
	case types.EventText:
		msg.Text += ev.Text
	case types.EventReasoning:
		msg.Reasoning += ev.Text
	case types.EventUsage:
		meta := c.metadata[msg.ID]
		meta.Usage = ev.Usage
		c.metadata[msg.ID] = meta
	case types.EventError:
		meta := c.metadata[msg.ID]
		meta.IsError = true
		c.metadata[msg.ID] = meta
	}
}

// Cancel freezes the assistant message at its rendered content and
// annotates it as stopped by the user. Buffered but unrendered events
// never appear.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming && c.state != StateSending {
		return
	}
	c.cancelled = true

	msg := c.assistantPending()
	if msg == nil {
		// Stopped before generation produced anything: synthesize an
		// empty assistant message carrying only the annotation.
		msg = &PendingMessage{ID: c.nextID(), Role: "assistant"}
		c.pending = append(c.pending, msg)
	}
	msg.StoppedByUser = true
	meta := c.metadata[msg.ID]
	meta.StoppedByUser = true
	c.metadata[msg.ID] = meta

	c.state = StateSettling
}

// StreamEnded moves a completed stream to settling.
func (c *Conversation) StreamEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		c.state = StateSettling
	}
}

// Fail returns the view to idle after a send that never streamed,
// keeping the pending user message so the turn can be retried under the
// same watermark.
func (c *Conversation) Fail() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop an assistant stub that never received content.
	if msg := c.assistantPending(); msg != nil && msg.Text == "" && msg.Reasoning == "" {
		c.pending = c.pending[:len(c.pending)-1]
		delete(c.metadata, msg.ID)
		delete(c.images, msg.ID)
	}
	c.state = StateIdle
}

// Settle replaces the view with the authoritative message list. Entries
// past the watermark correspond positionally to the pending messages;
// their per-message state is re-keyed from the ephemeral id to the
// durable one.
func (c *Conversation) Settle(authoritative []types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSettling && c.state != StateIdle {
		return fmt.Errorf("cannot settle in state %s", c.state)
	}
	if len(authoritative) < c.watermark {
		return fmt.Errorf("authoritative list shorter than watermark: %d < %d",
			len(authoritative), c.watermark)
	}

	fresh := authoritative[c.watermark:]
	for i, durableMsg := range fresh {
		if i >= len(c.pending) {
			break
		}
		ephID := c.pending[i].ID
		if meta, ok := c.metadata[ephID]; ok {
			delete(c.metadata, ephID)
			c.metadata[durableMsg.ID] = meta
		}
		if bundle, ok := c.images[ephID]; ok {
			delete(c.images, ephID)
			c.images[durableMsg.ID] = bundle
		}
	}

	c.durable = append([]types.Message(nil), authoritative...)
	c.pending = nil
	c.watermarkBound = false
	c.cancelled = false
	c.state = StateIdle
	c.resolveBinding()
	return nil
}

// Messages returns the rendered view: durable history followed by the
// pending turn.
func (c *Conversation) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := append([]types.Message(nil), c.durable...)
	for _, p := range c.pending {
		var parts []types.Part
		if p.Reasoning != "" {
			parts = append(parts, types.Part{Type: types.PartReasoning, Text: p.Reasoning})
		}
		if p.Text != "" || p.Role == "assistant" {
			parts = append(parts, types.Part{Type: types.PartText, Text: p.Text})
		}
		out = append(out, types.Message{
			ID:       p.ID,
			ChatID:   c.chatID,
			Role:     p.Role,
			Parts:    parts,
			Metadata: c.metadata[p.ID],
		})
	}
	return out
}

// Metadata returns the per-message state for a message id, which may be
// ephemeral or durable depending on settling.
func (c *Conversation) Metadata(id string) (types.MessageMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	meta, ok := c.metadata[id]
	return meta, ok
}

func (c *Conversation) assistantPending() *PendingMessage {
	for i := len(c.pending) - 1; i >= 0; i-- {
		if c.pending[i].Role == "assistant" {
			return c.pending[i]
		}
	}
	return nil
}

func (c *Conversation) nextID() string {
	c.nextEphID++
	return fmt.Sprintf("eph-%d", c.nextEphID)
}
