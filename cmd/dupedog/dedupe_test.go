package main

import (
	"path/filepath"
	"testing"

	"github.com/nullfs/dupedog/internal/policy"
)

func TestBuildPolicyDefaults(t *testing.T) {
	o := &dedupeOptions{
		onError:      "warning",
		onSymlink:    "ignore",
		onExternalFS: "group",
		ignoreLess:   "1B",
		bufferSize:   "1MiB",
	}

	engine, err := buildPolicy(o)
	if err != nil {
		t.Fatal(err)
	}
	if engine.OnError != policy.ErrorWarning {
		t.Errorf("OnError = %v, want ErrorWarning", engine.OnError)
	}
	if engine.Symlink != policy.SymlinkIgnore {
		t.Errorf("Symlink = %v, want SymlinkIgnore", engine.Symlink)
	}
	if engine.ExternalFS != policy.ExternalFSGroup {
		t.Errorf("ExternalFS = %v, want ExternalFSGroup", engine.ExternalFS)
	}
	if engine.HasPrimaryDevice {
		t.Error("HasPrimaryDevice should be false when --on-external-fs=group")
	}
	if engine.IgnoreLess != 1 {
		t.Errorf("IgnoreLess = %d, want 1", engine.IgnoreLess)
	}
	if engine.BufferSize != 1<<20 {
		t.Errorf("BufferSize = %d, want 1MiB", engine.BufferSize)
	}
}

func TestBuildPolicyOnErrorPanicAliasesAbort(t *testing.T) {
	o := &dedupeOptions{onError: "panic", onSymlink: "ignore", onExternalFS: "group", ignoreLess: "1B", bufferSize: "1MiB"}
	engine, err := buildPolicy(o)
	if err != nil {
		t.Fatal(err)
	}
	if engine.OnError != policy.ErrorAbort {
		t.Errorf("OnError = %v, want ErrorAbort", engine.OnError)
	}
}

func TestBuildPolicyExternalFSSymlinkRequiresPrimaryFS(t *testing.T) {
	o := &dedupeOptions{onError: "warning", onSymlink: "ignore", onExternalFS: "symlink", ignoreLess: "1B", bufferSize: "1MiB"}
	if _, err := buildPolicy(o); err == nil {
		t.Fatal("expected an error when --on-external-fs=symlink is given without --primary-fs")
	}
}

func TestBuildPolicyResolvesPrimaryFSDevice(t *testing.T) {
	dir := t.TempDir()
	o := &dedupeOptions{
		onError: "warning", onSymlink: "ignore", onExternalFS: "symlink",
		primaryFS: dir, ignoreLess: "1B", bufferSize: "1MiB",
	}

	engine, err := buildPolicy(o)
	if err != nil {
		t.Fatal(err)
	}
	if !engine.HasPrimaryDevice {
		t.Fatal("expected HasPrimaryDevice to be true once --primary-fs resolves")
	}
	if !engine.IsPrimary(engine.PrimaryDevice) {
		t.Error("the resolved primary device should report itself as primary")
	}
}

func TestBuildPolicyRejectsInvalidEnumFlag(t *testing.T) {
	o := &dedupeOptions{onError: "nonsense", onSymlink: "ignore", onExternalFS: "group", ignoreLess: "1B", bufferSize: "1MiB"}
	if _, err := buildPolicy(o); err == nil {
		t.Fatal("expected an error for an invalid --on-error value")
	}
}

func TestResolveAllExpandsEachPath(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	got, err := resolveAll([]string{dir, nested})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d resolved paths, want 2", len(got))
	}
}
