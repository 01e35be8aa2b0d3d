package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/weftlabs/weft/commons"
	"github.com/weftlabs/weft/flow"
	"github.com/weftlabs/weft/mergetree"
	"github.com/weftlabs/weft/register"
	"github.com/weftlabs/weft/session"
)

// Scanner is satisfied by bufio.Scanner; factored out for tests.
type Scanner interface {
	Scan() bool
	Text() string
}

var (
	logger = logrus.New()
	flags  Flags
)

// router dispatches sequenced content between the flow document and the
// register collection by operation kind. Both share one session, so both see
// one totally-ordered stream.
type router struct {
	doc  *flow.Document
	regs *register.Collection
}

func (r *router) pick(msg commons.SequencedMessage) session.Handler {
	if msg.Contents.Type == commons.OpWrite {
		return r.regs
	}
	return r.doc
}

func (r *router) ApplyRemote(msg commons.SequencedMessage) error { return r.pick(msg).ApplyRemote(msg) }
func (r *router) ApplyAck(msg commons.SequencedMessage) error    { return r.pick(msg).ApplyAck(msg) }
func (r *router) Resubmit(msg commons.SequencedMessage) []commons.Op {
	return r.pick(msg).Resubmit(msg)
}

// printer surfaces register changes on the console.
type printer struct{}

func (printer) AtomicChanged(key string, value interface{}, seq int) {
	color.Yellow("register %s = %v (seq %d)\n", key, value, seq)
}

func (printer) VersionChanged(key string, value interface{}, seq int) {}

func main() {
	flags = parseFlags()

	logFile, err := setupLogger(logger, flags.Debug)
	if err != nil {
		fmt.Println("Failed to setup logger, exiting.")
		return
	}
	defer logFile.Close()

	color.Green("Connecting to sequencer @ %s\n", flags.Server)

	conn, _, err := createConn(flags)
	if err != nil {
		color.Red("Connection error, exiting: %s", err)
		return
	}
	defer conn.Close()

	sess := session.New(&wsConn{conn: conn})
	sess.Connecting()

	// The join handshake carries our client ID and the current sequence
	// number; everything else hangs off that ID.
	var join commons.SequencedMessage
	if err := conn.ReadJSON(&join); err != nil || join.Type != commons.JoinMessage {
		color.Red("Join handshake failed, exiting.")
		return
	}

	tree := mergetree.New(join.ClientID)
	doc := flow.NewDocument(tree, sess)
	regs := register.New(sess)
	regs.Observe(printer{})
	sess.SetHandler(&router{doc: doc, regs: regs})
	sess.Connected(join.ClientID, join.SequenceNumber)

	color.Green("Joined as %s at sequence number %d\n", join.ClientID, join.SequenceNumber)
	color.Yellow("Type to append text, !set key value, !para, or !q to exit.\n")

	msgChan := getMsgChan(conn)
	lines := getInputChan(bufio.NewScanner(os.Stdin))

	// One loop owns all replica state; concurrency stops at the channels.
	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				color.Red("Server closed. Exiting...")
				sess.Disconnect()
				return
			}
			if err := sess.Process(msg); err != nil {
				logger.Errorf("failed to process message: %v", err)
				continue
			}
			color.Cyan("doc: %q\n", doc.Text())

		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(line, doc, regs) {
				return
			}
		}
	}
}

// handleLine interprets one line of input. Returns false to exit.
func handleLine(line string, doc *flow.Document, regs *register.Collection) bool {
	switch {
	case line == "!q":
		fmt.Println("Goodbye!")
		return false

	case line == "!para":
		if _, err := doc.InsertParagraph(doc.Len()); err != nil {
			color.Red("paragraph failed: %v", err)
		}

	case strings.HasPrefix(line, "!set "):
		parts := strings.SplitN(strings.TrimPrefix(line, "!set "), " ", 2)
		if len(parts) != 2 {
			color.Red("usage: !set key value")
			return true
		}
		if _, err := regs.Write(parts[0], parts[1]); err != nil {
			color.Red("write failed: %v", err)
		}

	case line != "":
		if _, err := doc.InsertText(doc.Len(), line+"\n"); err != nil {
			color.Red("insert failed: %v", err)
		}
	}
	return true
}
