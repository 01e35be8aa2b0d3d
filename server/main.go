package main

import (
	"flag"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/weftlabs/weft/commons"
)

// client is one active connection. Writes funnel through write because the
// join handshake, nacks, and broadcasts come from different goroutines and
// gorilla/websocket forbids concurrent writers on one connection.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
	id   string
}

func (c *client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// envelope pairs an inbound submission with its origin so nacks can go back
// to the sender only.
type envelope struct {
	from *client
	msg  commons.SubmitMessage
}

// Upgrader instance to upgrade all HTTP connections to a WebSocket.
var upgrader = websocket.Upgrader{}

// mu protects activeClients and seq across connection handlers.
var mu sync.Mutex

// Map to store currently active client connections.
var activeClients = make(map[*client]struct{})

// seq is the global sequence number; the sequencer's only real state.
var seq int

// refWindow bounds how far behind a submission's reference sequence number
// may lag before it is nacked.
var refWindow int

// Channel for client submissions.
var messageChan = make(chan envelope)

func main() {
	// Parse flags.
	addr := flag.String("addr", "", "Server's network address (overrides config)")
	configPath := flag.String("config", "", "Path to a TOML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Error loading config, exiting: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	refWindow = cfg.RefWindow

	mux := http.NewServeMux()
	mux.HandleFunc("/", handleConn)

	// Handle incoming submissions.
	go handleMsg()

	// Start the sequencer.
	log.Printf("Starting sequencer on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, mux); err != nil {
		log.Fatal("Error starting sequencer, exiting.", err)
	}
}

// handleConn upgrades an incoming HTTP connection, assigns the client its ID,
// sends the join handshake, and pumps submissions into messageChan. The client
// is registered before the join is captured, so no sequenced message can fall
// between the join's sequence number and the first broadcast it receives.
func handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Error upgrading connection to websocket: %v", err)
		return
	}
	defer conn.Close()

	// Generate a UUID for the client and hand it the current sequence number.
	c := &client{conn: conn, id: uuid.NewString()}
	mu.Lock()
	activeClients[c] = struct{}{}
	join := commons.JoinDetails{Type: commons.JoinMessage, ClientID: c.id, SequenceNumber: seq}
	mu.Unlock()

	if err := c.write(join); err != nil {
		log.Printf("Error sending join handshake: %v", err)
		mu.Lock()
		delete(activeClients, c)
		mu.Unlock()
		return
	}

	for {
		var msg commons.SubmitMessage

		// Read submission from the connection.
		if err := conn.ReadJSON(&msg); err != nil {
			mu.Lock()
			delete(activeClients, c)
			mu.Unlock()
			log.Printf("Closing connection with ID: %v", c.id)
			break
		}

		messageChan <- envelope{from: c, msg: msg}
	}
}

// handleMsg sequences each submission from messageChan and broadcasts it to
// every active client, the originator included: the echo is what resolves the
// sender's pending operation.
func handleMsg() {
	for {
		env := <-messageChan

		mu.Lock()
		// A submission referencing state older than the collection window
		// cannot be reconciled; nack it back to the sender only.
		if env.msg.ReferenceSequenceNumber < seq-refWindow {
			nack := commons.SequencedMessage{
				Type:                    commons.NackMessage,
				SequenceNumber:          seq,
				ClientID:                env.from.id,
				ClientSequenceNumber:    env.msg.ClientSequenceNumber,
				ReferenceSequenceNumber: env.msg.ReferenceSequenceNumber,
				Contents:                env.msg.Contents,
			}
			mu.Unlock()

			t := time.Now().Format(time.ANSIC)
			color.Red("%s >> nack %s (ref %d too old)\n", t, env.from.id, env.msg.ReferenceSequenceNumber)

			if err := env.from.write(nack); err != nil {
				log.Printf("Error sending nack to client: %v", err)
			}
			continue
		}

		seq++
		out := commons.SequencedMessage{
			Type:                    commons.OpMessage,
			SequenceNumber:          seq,
			ClientID:                env.from.id,
			ClientSequenceNumber:    env.msg.ClientSequenceNumber,
			ReferenceSequenceNumber: env.msg.ReferenceSequenceNumber,
			Contents:                env.msg.Contents,
		}
		targets := make([]*client, 0, len(activeClients))
		for c := range activeClients {
			targets = append(targets, c)
		}
		mu.Unlock()

		// Log each sequenced operation to stdout.
		t := time.Now().Format(time.ANSIC)
		color.Green("%s >> seq %d: %s op %q\n", t, out.SequenceNumber, out.ClientID, out.Contents.Type)

		// Broadcast to all active clients, originator included.
		for _, c := range targets {
			if err := c.write(out); err != nil {
				log.Printf("Error sending message to client: %v", err)
				c.conn.Close()
				mu.Lock()
				delete(activeClients, c)
				mu.Unlock()
			}
		}
	}
}
