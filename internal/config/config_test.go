package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault_MatchesMandatedDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Context.History.KeepLastMessages != 30 {
		t.Errorf("KeepLastMessages = %d, want 30", cfg.Context.History.KeepLastMessages)
	}
	if cfg.Context.History.MaxInputTokensApprox != 12000 {
		t.Errorf("MaxInputTokensApprox = %d, want 12000", cfg.Context.History.MaxInputTokensApprox)
	}
	if !cfg.Context.History.ArchiveOnCompact {
		t.Error("ArchiveOnCompact = false, want true")
	}
	if cfg.Context.ChatQueue.MaxConcurrency != 2 {
		t.Errorf("MaxConcurrency = %d, want 2", cfg.Context.ChatQueue.MaxConcurrency)
	}
	if cfg.Permissions.ExecCommand.MaxOutputChars != 12000 {
		t.Errorf("MaxOutputChars = %d, want 12000", cfg.Permissions.ExecCommand.MaxOutputChars)
	}
	if cfg.Permissions.ExecCommand.MaxOutputLines != 200 {
		t.Errorf("MaxOutputLines = %d, want 200", cfg.Permissions.ExecCommand.MaxOutputLines)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Context.History.KeepLastMessages != 30 {
		t.Errorf("KeepLastMessages = %d, want 30", cfg.Context.History.KeepLastMessages)
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ship.json")
	body := `{
		// json5 comments are allowed
		"context": {
			"history": { "keepLastMessages": 10, "maxInputTokensApprox": 5000, "archiveOnCompact": false },
			"chatQueue": { "maxConcurrency": 4 },
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Context.History.KeepLastMessages != 10 {
		t.Errorf("KeepLastMessages = %d, want 10", cfg.Context.History.KeepLastMessages)
	}
	if cfg.Context.History.ArchiveOnCompact {
		t.Error("ArchiveOnCompact = true, want false")
	}
	if cfg.Context.ChatQueue.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want 4", cfg.Context.ChatQueue.MaxConcurrency)
	}
}

func TestApplyBounds_ClampsOutOfRangeValues(t *testing.T) {
	cfg := Default()
	cfg.Context.History.KeepLastMessages = 1
	cfg.Context.History.MaxInputTokensApprox = 10
	cfg.Context.ChatQueue.MaxConcurrency = 999
	cfg.Context.ChatQueue.CorrectionMaxRounds = 999
	cfg.Permissions.ExecCommand.MaxOutputChars = 1
	cfg.Permissions.ExecCommand.MaxOutputLines = 1

	cfg.applyBounds()

	if cfg.Context.History.KeepLastMessages != 6 {
		t.Errorf("KeepLastMessages = %d, want floor 6", cfg.Context.History.KeepLastMessages)
	}
	if cfg.Context.History.MaxInputTokensApprox != 2000 {
		t.Errorf("MaxInputTokensApprox = %d, want floor 2000", cfg.Context.History.MaxInputTokensApprox)
	}
	if cfg.Context.ChatQueue.MaxConcurrency != 32 {
		t.Errorf("MaxConcurrency = %d, want ceiling 32", cfg.Context.ChatQueue.MaxConcurrency)
	}
	if cfg.Context.ChatQueue.CorrectionMaxRounds != 10 {
		t.Errorf("CorrectionMaxRounds = %d, want ceiling 10", cfg.Context.ChatQueue.CorrectionMaxRounds)
	}
	if cfg.Permissions.ExecCommand.MaxOutputChars != 500 {
		t.Errorf("MaxOutputChars = %d, want floor 500", cfg.Permissions.ExecCommand.MaxOutputChars)
	}
	if cfg.Permissions.ExecCommand.MaxOutputLines != 20 {
		t.Errorf("MaxOutputLines = %d, want floor 20", cfg.Permissions.ExecCommand.MaxOutputLines)
	}
}

func TestReplaceFrom_CopiesFields(t *testing.T) {
	dst := Default()
	src := Default()
	src.Context.History.KeepLastMessages = 42
	src.Gateway.ListenAddr = ":9999"

	dst.ReplaceFrom(src)

	if dst.Context.History.KeepLastMessages != 42 {
		t.Errorf("KeepLastMessages = %d, want 42", dst.Context.History.KeepLastMessages)
	}
	if dst.Gateway.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", dst.Gateway.ListenAddr)
	}
}
