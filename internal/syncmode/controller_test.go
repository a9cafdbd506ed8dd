package syncmode

import (
	"testing"

	"github.com/uisync/uisync/internal/config"
)

func pair() config.Pair {
	return config.Pair{
		A: config.Framework{Tag: "react", Root: "/p/src"},
		B: config.Framework{Tag: "flutter", Root: "/p/lib"},
	}
}

func TestController_AFirst(t *testing.T) {
	c := New(config.ModeAFirst, pair())
	if c.IsReadOnly("react") {
		t.Error("side A must be writable in a-first mode")
	}
	if !c.IsReadOnly("flutter") {
		t.Error("side B must be read-only in a-first mode")
	}
	if c.ConflictDetectionEnabled() {
		t.Error("conflict detection must be off with a single source of truth")
	}
	if c.AuthoritativeTag() != "react" {
		t.Errorf("authoritative = %s", c.AuthoritativeTag())
	}
}

func TestController_BFirst(t *testing.T) {
	c := New(config.ModeBFirst, pair())
	if !c.IsReadOnly("react") || c.IsReadOnly("flutter") {
		t.Error("b-first mode should invert read-only sides")
	}
}

func TestController_Universal(t *testing.T) {
	c := New(config.ModeUniversal, pair())
	if c.IsReadOnly("react") || c.IsReadOnly("flutter") {
		t.Error("universal mode has no read-only side")
	}
	if !c.ConflictDetectionEnabled() {
		t.Error("universal mode enables conflict detection")
	}
	if c.AuthoritativeTag() != "" {
		t.Errorf("authoritative = %q, want empty", c.AuthoritativeTag())
	}
}

func TestController_TargetFramework(t *testing.T) {
	c := New(config.ModeUniversal, pair())
	if c.TargetFramework("react").Tag != "flutter" {
		t.Error("target of react should be flutter")
	}
	if c.TargetFramework("flutter").Tag != "react" {
		t.Error("target of flutter should be react")
	}
}
