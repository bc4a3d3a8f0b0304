package session

import (
	"errors"
	"testing"

	"github.com/danmuck/relayctl/internal/testutil/testlog"
	"github.com/danmuck/relayctl/internal/wire"
)

func TestPendingTableLifecycle(t *testing.T) {
	testlog.Start(t)
	table := NewPendingTable()
	if err := table.Record(wire.NewRequest(7, "blockchain.estimatefee", []any{2})); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if table.Count() != 1 {
		t.Fatalf("unexpected count=%d", table.Count())
	}
	if _, ok := table.Get(7); !ok {
		t.Fatalf("expected pending request")
	}
	req, ok := table.Pop(7)
	if !ok {
		t.Fatalf("pop missed recorded id")
	}
	if req.Method != "blockchain.estimatefee" {
		t.Fatalf("unexpected method=%q", req.Method)
	}
	if _, ok := table.Pop(7); ok {
		t.Fatalf("pop should miss removed id")
	}
	if table.Count() != 0 {
		t.Fatalf("table should be empty, count=%d", table.Count())
	}
}

func TestPendingTableDuplicateID(t *testing.T) {
	testlog.Start(t)
	table := NewPendingTable()
	if err := table.Record(wire.NewRequest(3, "server.version", nil)); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	err := table.Record(wire.NewRequest(3, "server.banner", nil))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate id, got %v", err)
	}
	// The first entry must survive the rejected insert.
	req, ok := table.Get(3)
	if !ok || req.Method != "server.version" {
		t.Fatalf("original entry clobbered: %v %v", req, ok)
	}
}

func TestPendingTableListSortsByID(t *testing.T) {
	testlog.Start(t)
	table := NewPendingTable()
	for _, id := range []int64{42, 7, 19} {
		if err := table.Record(wire.NewRequest(id, "server.version", nil)); err != nil {
			t.Fatalf("record %d failed: %v", id, err)
		}
	}
	list := table.List()
	if len(list) != 3 {
		t.Fatalf("unexpected list length=%d", len(list))
	}
	for i, want := range []int64{7, 19, 42} {
		if list[i].ID != want {
			t.Fatalf("index %d: got id=%d want=%d", i, list[i].ID, want)
		}
	}
}
