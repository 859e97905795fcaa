package server

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/genq/feed"
	"github.com/teranos/genq/sym"
)

// Resubscribe backoff for the broadcaster's change feed.
const (
	feedMinBackoff = time.Second
	feedMaxBackoff = 30 * time.Second
)

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	n := len(s.clients)
	s.mu.Unlock()
	wsClients.Set(float64(n))

	s.logger.Debugw("WebSocket client connected",
		"client_id", shortID(c.id),
		"clients", n,
	)
}

// unregister removes c and closes its send channel; safe to call twice.
func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	if s.clients[c] {
		delete(s.clients, c)
		c.closeSend()
	}
	n := len(s.clients)
	s.mu.Unlock()
	wsClients.Set(float64(n))
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// broadcast sends ev to every client. Clients whose buffer is full are
// dropped rather than allowed to stall the feed.
func (s *Server) broadcast(ev feed.Event) int {
	var slow []*Client
	sent := 0

	s.mu.RLock()
	for client := range s.clients {
		select {
		case client.send <- ev:
			sent++
		default:
			slow = append(slow, client)
		}
	}
	s.mu.RUnlock()

	for _, client := range slow {
		s.logger.Warnw("Dropping slow WebSocket client", "client_id", shortID(client.id))
		s.unregister(client)
	}
	return sent
}

// runBroadcaster relays the change feed to websocket clients until ctx is
// done, resubscribing with backoff when the feed disconnects.
func (s *Server) runBroadcaster(ctx context.Context) {
	defer s.closeClients()

	backoff := feedMinBackoff
	for {
		events, err := s.feed.Subscribe(ctx)
		if err != nil {
			s.logger.Warnw(fmt.Sprintf("%s Event stream subscribe failed", sym.Feed),
				"backoff", backoff,
				"error", err,
			)
		} else {
			backoff = feedMinBackoff
			for ev := range events {
				s.broadcast(ev)
			}
			if ctx.Err() == nil {
				s.logger.Warnw(fmt.Sprintf("%s Event stream disconnected", sym.Feed))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, feedMaxBackoff)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	for client := range s.clients {
		delete(s.clients, client)
		client.closeSend()
	}
	s.mu.Unlock()
	wsClients.Set(0)
}
