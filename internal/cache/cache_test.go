package cache

import (
	"os"
	"path/filepath"
	"testing"
)

type entry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func TestReplaceAndLoad(t *testing.T) {
	c := New(t.TempDir(), nil)

	in := []entry{{ID: "1", Name: "Alice"}, {ID: "2", Name: "Bob"}}
	if err := c.Replace(KeyConversations, in); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	var out []entry
	if !c.Load(KeyConversations, &out) {
		t.Fatal("Load() = false, want hit")
	}
	if len(out) != 2 || out[0].Name != "Alice" {
		t.Errorf("out = %+v", out)
	}
}

func TestLoadMissIsNotAnError(t *testing.T) {
	c := New(t.TempDir(), nil)

	var out []entry
	if c.Load(KeyUsers, &out) {
		t.Error("Load() = true for missing snapshot")
	}
	if out != nil {
		t.Errorf("out = %+v, want untouched nil", out)
	}
}

func TestLoadCorruptIsAMiss(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)

	if err := os.WriteFile(filepath.Join(dir, KeyGroups+".json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	var out []entry
	if c.Load(KeyGroups, &out) {
		t.Error("Load() = true for corrupt snapshot")
	}
}

func TestReplaceIsWholesale(t *testing.T) {
	c := New(t.TempDir(), nil)

	if err := c.Replace(KeyConversations, []entry{{ID: "1"}, {ID: "2"}, {ID: "3"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Replace(KeyConversations, []entry{{ID: "9"}}); err != nil {
		t.Fatal(err)
	}

	var out []entry
	if !c.Load(KeyConversations, &out) {
		t.Fatal("Load() = false")
	}
	if len(out) != 1 || out[0].ID != "9" {
		t.Errorf("out = %+v, want the replacement snapshot only", out)
	}
}

func TestRemove(t *testing.T) {
	c := New(t.TempDir(), nil)

	if err := c.Replace(KeyUsers, []entry{{ID: "1"}}); err != nil {
		t.Fatal(err)
	}
	c.Remove(KeyUsers)
	c.Remove(KeyUsers) // idempotent

	var out []entry
	if c.Load(KeyUsers, &out) {
		t.Error("Load() = true after Remove")
	}
}
