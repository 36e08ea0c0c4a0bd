package runtime

import "testing"

type fakeHandler struct{ typ string }

func (h fakeHandler) Type() string       { return h.typ }
func (h fakeHandler) Run(*Context) error { return nil }

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(fakeHandler{typ: "channel_publish"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.Get("channel_publish"); !ok {
		t.Fatal("registered handler not found")
	}
	if _, ok := r.Get("subtree_copy"); ok {
		t.Fatal("unregistered type should miss")
	}
}

func TestRegistryRejectsDuplicatesAndInvalid(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Fatal("nil handler should be rejected")
	}
	if err := r.Register(fakeHandler{}); err == nil {
		t.Fatal("empty type should be rejected")
	}
	if err := r.Register(fakeHandler{typ: "node_sync"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(fakeHandler{typ: "node_sync"}); err == nil {
		t.Fatal("duplicate type should be rejected")
	}
}
