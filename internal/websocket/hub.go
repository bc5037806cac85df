package websocket

import (
	"encoding/json"
	"sync"
)

// BalanceUpdate is pushed to every connection watching a wallet after a
// committed transfer touches it.
type BalanceUpdate struct {
	WalletID      string `json:"wallet_id"`
	BalanceMinor  int64  `json:"balance_minor"`
	Balance       string `json:"balance"`
	Currency      string `json:"currency"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(walletID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[walletID] == nil {
		h.clients[walletID] = make(map[*Client]struct{})
	}
	h.clients[walletID][client] = struct{}{}
}

func (h *Hub) Unregister(walletID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[walletID] == nil {
		return
	}
	delete(h.clients[walletID], client)
	if len(h.clients[walletID]) == 0 {
		delete(h.clients, walletID)
	}
}

// Watchers reports how many connections are subscribed to walletID.
func (h *Hub) Watchers(walletID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[walletID])
}

// BroadcastBalance never blocks; slow clients miss updates.
func (h *Hub) BroadcastBalance(update BalanceUpdate) {
	payload, _ := json.Marshal(update)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[update.WalletID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
