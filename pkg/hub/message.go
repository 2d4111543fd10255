// Package hub fans websocket messages out to connected dashboard clients
// through a single goroutine that owns the client set.
package hub

import "github.com/gofiber/websocket/v2"

// Message is one broadcast payload and the websocket frame type it is
// sent as.
type Message struct {
	Type int
	Data []byte
}

// Text wraps pre-encoded JSON.
func Text(data []byte) Message {
	return Message{Type: websocket.TextMessage, Data: data}
}

// Binary wraps raw bytes such as a JPEG frame.
func Binary(data []byte) Message {
	return Message{Type: websocket.BinaryMessage, Data: data}
}
