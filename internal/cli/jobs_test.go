package cli

import (
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/store"
)

func TestResolveApprovalCommandResolvesPending(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PARLEY_CONFIG", filepath.Join(dir, "config.json"))
	t.Setenv("PARLEY_PATHS_DATA_DIR", dir)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a, err := s.CreateApproval(&store.ToolApproval{
		ConversationID: "conv-1",
		ToolName:       "delegate",
		Channel:        "telegram",
	})
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}
	s.Close()

	if err := resolveApproval(a.ID, true); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	s, err = store.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s.Close()
	got, err := s.GetApproval(a.ID)
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if got.Status != store.ApprovalApproved {
		t.Errorf("approval status = %s, want approved", got.Status)
	}

	if err := resolveApproval(a.ID, false); err == nil {
		t.Error("repeat resolution must be refused")
	}
}
