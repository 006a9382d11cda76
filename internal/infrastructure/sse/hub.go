package sse

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/ledger-hub/ledger-hub/internal/p2p/protocol"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client buffer full")
)

const clientBuffer = 100

// Client is one open stream for a participant address.
type Client struct {
	ClientID    string
	Address     common.Address
	ConnectedAt time.Time
	Messages    chan protocol.Message

	closeOnce sync.Once
}

func NewClient(addr common.Address) *Client {
	return &Client{
		ClientID:    uuid.NewString(),
		Address:     addr,
		ConnectedAt: time.Now().UTC(),
		Messages:    make(chan protocol.Message, clientBuffer),
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.Messages) })
}

// Hub manages SSE clients keyed by client id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish delivers msg to every stream of its recipient and returns how many
// streams accepted it. Full buffers drop the message.
func (h *Hub) Publish(msg protocol.Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.clients {
		if c.Address == msg.Recipient && trySend(c, msg) {
			sent++
		}
	}
	return sent
}

// PublishAll delivers each message to its recipient.
func (h *Hub) PublishAll(msgs []protocol.Message) int {
	sent := 0
	for _, m := range msgs {
		sent += h.Publish(m)
	}
	return sent
}

func (h *Hub) SendToClient(clientID string, msg protocol.Message) error {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, msg) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg protocol.Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
