package tasks

import "testing"

func TestStore_AddAndList(t *testing.T) {
	store := NewStore()

	store.Add("42", "buy milk")
	store.Add("42", "  call mom  ")

	got := store.List("42")
	if len(got) != 2 {
		t.Fatalf("list length = %d, want 2", len(got))
	}
	if got[0] != "buy milk" || got[1] != "call mom" {
		t.Errorf("list = %v", got)
	}
}

func TestStore_EmptyTaskIgnored(t *testing.T) {
	store := NewStore()

	store.Add("1", "   ")
	if n := store.Count("1"); n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestStore_ListsArePerChat(t *testing.T) {
	store := NewStore()

	store.Add("a", "task a")
	store.Add("b", "task b")

	if got := store.List("a"); len(got) != 1 || got[0] != "task a" {
		t.Errorf("chat a list = %v", got)
	}
	if got := store.List("b"); len(got) != 1 || got[0] != "task b" {
		t.Errorf("chat b list = %v", got)
	}
}

func TestStore_ListSnapshotIsolation(t *testing.T) {
	store := NewStore()
	store.Add("5", "original")

	got := store.List("5")
	got[0] = "mutated"

	if store.List("5")[0] != "original" {
		t.Error("store list mutated through snapshot")
	}
}
