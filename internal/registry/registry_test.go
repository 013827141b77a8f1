package registry

import (
	"errors"
	"testing"
	"time"
)

type fakeState struct {
	id      string
	members []string
}

func (f *fakeState) GroupID() string   { return f.id }
func (f *fakeState) Epoch() uint64     { return 0 }
func (f *fakeState) Members() []string { return f.members }

func TestCreateRejectsDuplicate(t *testing.T) {
	r := New()
	if err := r.Create(NewSession("g1", "team", Local, &fakeState{id: "g1"})); err != nil {
		t.Fatal(err)
	}
	err := r.Create(NewSession("g1", "other", Linked, &fakeState{id: "g1"}))
	if !errors.Is(err, ErrDuplicateGroup) {
		t.Fatalf("err = %v, want ErrDuplicateGroup", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	snap, _ := r.Get("g1")
	if snap.DisplayName != "team" {
		t.Errorf("first session was overwritten: %+v", snap)
	}
}

func TestListOrderedIsCreationOrder(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Create(NewSession(id, id, Local, nil)); err != nil {
			t.Fatal(err)
		}
	}
	r.Upsert(NewSession("a", "renamed", Linked, nil))

	got := r.ListOrdered()
	want := []string{"c", "a", "b"}
	for i, s := range got {
		if s.GroupID != want[i] {
			t.Fatalf("order = %v", got)
		}
	}
	if got[1].DisplayName != "renamed" || got[1].Mode != Linked {
		t.Errorf("upsert not applied: %+v", got[1])
	}
}

func TestAppendMessageDedupes(t *testing.T) {
	r := New()
	_ = r.Create(NewSession("g", "g", Linked, &fakeState{id: "g", members: []string{"me"}}))

	m := Message{ID: "m1", Sender: "bob", Body: "hi", Timestamp: time.Now()}
	ok, err := r.AppendMessage("g", m)
	if err != nil || !ok {
		t.Fatalf("first append = %v, %v", ok, err)
	}
	ok, err = r.AppendMessage("g", m)
	if err != nil || ok {
		t.Fatalf("second append = %v, %v", ok, err)
	}

	snap, _ := r.Get("g")
	if len(snap.History) != 1 {
		t.Fatalf("history = %+v", snap.History)
	}
	if snap.History[0].GroupID != "g" {
		t.Errorf("group back-reference not set")
	}
	if len(snap.Members) != 2 {
		t.Errorf("members = %v, want me and bob", snap.Members)
	}

	if _, err := r.AppendMessage("missing", m); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("append to unknown group: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	_ = r.Create(NewSession("g", "g", Local, nil))
	_, _ = r.AppendMessage("g", Message{ID: "1", Body: "a"})

	snap, _ := r.Get("g")
	snap.History[0].Body = "mutated"

	again, _ := r.Get("g")
	if again.History[0].Body != "a" {
		t.Error("snapshot aliases registry history")
	}
}

func TestUndeliveredAndMarkDelivered(t *testing.T) {
	r := New()
	_ = r.Create(NewSession("g", "g", Linked, nil))
	_, _ = r.AppendMessage("g", Message{ID: "1", Body: "a", Delivered: true})
	_, _ = r.AppendMessage("g", Message{ID: "2", Body: "b"})
	_, _ = r.AppendMessage("g", Message{ID: "3", Body: "c"})

	if got := r.Undelivered("g"); len(got) != 2 || got[0].ID != "2" {
		t.Fatalf("undelivered = %+v", got)
	}
	if err := r.MarkDelivered("g", "2", true); err != nil {
		t.Fatal(err)
	}
	if got := r.Undelivered("g"); len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("undelivered after mark = %+v", got)
	}
	if err := r.MarkDelivered("g", "nope", true); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("mark unknown message: %v", err)
	}
}

func TestEngineStateIsPerSession(t *testing.T) {
	r := New()
	s1 := &fakeState{id: "g1"}
	s2 := &fakeState{id: "g2"}
	_ = r.Create(NewSession("g1", "one", Local, s1))
	_ = r.Create(NewSession("g2", "two", Local, s2))

	got1, _ := r.EngineState("g1")
	got2, _ := r.EngineState("g2")
	if got1 != s1 || got2 != s2 {
		t.Error("engine states crossed between sessions")
	}
	if _, ok := r.EngineState("g3"); ok {
		t.Error("state for unknown group")
	}
}

func TestCountAndFindByName(t *testing.T) {
	r := New()
	_ = r.Create(NewSession("a", "alpha", Local, nil))
	_ = r.Create(NewSession("b", "beta", Linked, nil))
	_ = r.Create(NewSession("c", "gamma", Linked, nil))
	_ = r.SetMode("a", Linked)
	_ = r.SetMode("c", Local)

	local, linked := r.Count()
	if local != 1 || linked != 2 {
		t.Errorf("count = %d/%d", local, linked)
	}
	if s, ok := r.FindByName("beta"); !ok || s.GroupID != "b" {
		t.Errorf("FindByName = %+v, %v", s, ok)
	}
	if ParseMode(Linked.String()) != Linked || ParseMode("x") != Local {
		t.Error("mode round trip")
	}
}
