package main

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/commons"
)

// wsConn adapts a WebSocket connection to the session's DeltaConnection:
// a fire-and-forget broadcast of locally applied operations.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) SubmitLocalMessage(msg commons.SubmitMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

// getMsgChan returns a channel that repeatedly reads sequenced messages from
// the connection. The channel closes when the connection drops.
func getMsgChan(conn *websocket.Conn) chan commons.SequencedMessage {
	messageChan := make(chan commons.SequencedMessage)
	go func() {
		defer close(messageChan)
		for {
			var msg commons.SequencedMessage

			// Read message.
			err := conn.ReadJSON(&msg)
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					logger.Errorf("websocket error: %v", err)
				}
				break
			}

			logger.Infof("message received: %+v\n", msg)

			messageChan <- msg
		}
	}()
	return messageChan
}

// getInputChan returns a channel of lines scanned from standard input.
func getInputChan(s Scanner) chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for s.Scan() {
			lines <- s.Text()
		}
	}()
	return lines
}
