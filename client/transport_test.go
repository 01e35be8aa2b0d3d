package main

import (
	"testing"

	"github.com/weftlabs/weft/commons"
	"github.com/weftlabs/weft/flow"
	"github.com/weftlabs/weft/mergetree"
	"github.com/weftlabs/weft/register"
	"github.com/weftlabs/weft/session"
)

// sliceScanner feeds canned lines to getInputChan.
type sliceScanner struct {
	lines []string
	pos   int
}

func (s *sliceScanner) Scan() bool {
	if s.pos >= len(s.lines) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceScanner) Text() string {
	return s.lines[s.pos-1]
}

func TestGetInputChan(t *testing.T) {
	want := []string{"hello", "!para", "!q"}
	lines := getInputChan(&sliceScanner{lines: want})

	var got []string
	for line := range lines {
		got = append(got, line)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d lines, expected %d\n", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got != want; got = %v, expected = %v\n", got[i], want[i])
		}
	}
}

func TestRouterSplitsByOperationType(t *testing.T) {
	sess := session.New(&wsConn{})
	doc := flow.NewDocument(mergetree.New("a"), sess)
	regs := register.New(sess)
	r := &router{doc: doc, regs: regs}

	writeMsg := commons.SequencedMessage{Contents: commons.Op{Type: commons.OpWrite}}
	if got := r.pick(writeMsg); got != session.Handler(regs) {
		t.Errorf("write operation routed to the document handler\n")
	}

	insertMsg := commons.SequencedMessage{Contents: commons.Op{Type: commons.OpInsert}}
	if got := r.pick(insertMsg); got != session.Handler(doc) {
		t.Errorf("insert operation routed to the register handler\n")
	}
}
