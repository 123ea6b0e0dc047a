package transport

import (
	"time"

	"github.com/gorilla/websocket"
)

// pongFrame is the single-octet 0xfb reply the server expects within
// tens of milliseconds of a 0xfc ping.
var pongFrame = []byte{0xfb}

// RespondToPing writes the pong reply directly on ws, bypassing any
// batcher queue so the reply is never delayed behind a pending batch.
// Callers must hold whatever write-serialization the connection uses;
// gorilla's *websocket.Conn permits only one concurrent writer.
func RespondToPing(ws *websocket.Conn) error {
	return ws.WriteMessage(websocket.BinaryMessage, pongFrame)
}

// PingTimeout bounds how long a connection may go without receiving
// anything from the server before it is considered dead (§7: "No ping
// received for 60s -> Supervisor marks connection dead; reconnect"). A
// var rather than a const so tests can shrink it instead of waiting 60s
// for real.
var PingTimeout = 60 * time.Second
