package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchAccessListReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	listFile := filepath.Join(dir, "access.yaml")
	if err := os.WriteFile(listFile, []byte("deny:\n  - 203.0.113.5\n"), 0o600); err != nil {
		t.Fatalf("failed to write access list: %v", err)
	}

	changeCh := make(chan AccessList, 4)
	errCh := make(chan error, 4)
	watcher, err := WatchAccessList(ctx, listFile, func(list AccessList) {
		changeCh <- list
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case list := <-changeCh:
		if len(list.Deny) != 1 || list.Deny[0] != "203.0.113.5" {
			t.Fatalf("unexpected initial list: %#v", list)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial access list")
	}

	if err := os.WriteFile(listFile, []byte("allow:\n  - 198.51.100.1\ndeny:\n  - 203.0.113.5\n  - 203.0.113.6\n"), 0o600); err != nil {
		t.Fatalf("failed to update access list: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case list := <-changeCh:
			if len(list.Deny) == 2 && len(list.Allow) == 1 {
				return
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timeout waiting for access list reload")
		}
	}
}

func TestWatchAccessListRejectsMissingFile(t *testing.T) {
	_, err := WatchAccessList(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), func(AccessList) {}, nil)
	if err == nil {
		t.Fatal("expected error for missing access list")
	}
	if _, err := WatchAccessList(context.Background(), "access.yaml", nil, nil); err == nil {
		t.Fatal("expected error without callback")
	}
}

func TestLoadAccessListFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"list.json": `{"allow": ["192.0.2.1"], "deny": ["192.0.2.2", " "]}`,
		"list.toml": "allow = [\"192.0.2.1\"]\ndeny = [\"192.0.2.2\"]\n",
		"list.yml":  "allow: [192.0.2.1]\ndeny: [192.0.2.2]\n",
	}
	for name, contents := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		list, err := LoadAccessList(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if len(list.Allow) != 1 || list.Allow[0] != "192.0.2.1" {
			t.Fatalf("%s: unexpected allow list %#v", name, list.Allow)
		}
		if len(list.Deny) != 1 || list.Deny[0] != "192.0.2.2" {
			t.Fatalf("%s: unexpected deny list %#v", name, list.Deny)
		}
	}

	bad := filepath.Join(dir, "list.ini")
	if err := os.WriteFile(bad, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadAccessList(bad); err == nil {
		t.Fatal("expected unsupported extension error")
	}
}
