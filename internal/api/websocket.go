package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"quantcore/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamedEvents is the set of bus topics pushed to websocket clients.
var streamedEvents = []events.Event{
	events.EventStrategySignal,
	events.EventOrderIntent,
	events.EventCircuitBreaker,
	events.EventStrategyHalted,
	events.EventStrategyResumed,
	events.EventPortfolioUpdate,
	events.EventEquitySnapshot,
	events.EventBacktestFinished,
}

type wsEnvelope struct {
	Type    events.Event `json:"type"`
	Payload any          `json:"payload"`
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan wsEnvelope, 256)
	done := make(chan struct{})

	for _, event := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(event, 100)
		defer unsub()

		go func(event events.Event, stream <-chan any) {
			for msg := range stream {
				select {
				case merged <- wsEnvelope{Type: event, Payload: msg}:
				case <-done:
					return
				}
			}
		}(event, stream)
	}

	// Reader goroutine drains client frames and detects disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(done)
				return
			}
		}
	}()

	for {
		select {
		case env := <-merged:
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("[api] ws write: %v", err)
				return
			}
		case <-done:
			return
		}
	}
}
