package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shipagent/ship/internal/config"
	"github.com/shipagent/ship/internal/shippaths"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check runtime environment, configuration, and context-store health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("ship doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults + env overrides)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)

	fmt.Println()
	fmt.Println("  Context queue:")
	fmt.Printf("    %-24s %d\n", "maxConcurrency:", cfg.Context.ChatQueue.MaxConcurrency)
	fmt.Printf("    %-24s %v\n", "enableCorrectionMerge:", cfg.Context.ChatQueue.EnableCorrectionMerge)
	fmt.Printf("    %-24s %d\n", "keepLastMessages:", cfg.Context.History.KeepLastMessages)
	fmt.Printf("    %-24s %d\n", "maxInputTokensApprox:", cfg.Context.History.MaxInputTokensApprox)

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("git")
	checkBinary("bash")

	fmt.Println()
	root := resolveProjectRoot()
	layout := shippaths.NewLayout(root)
	fmt.Printf("  Project root: %s\n", root)
	checkDir("  .ship/context", filepath.Join(root, ".ship", "context"))
	checkDir("  .ship/profile", filepath.Join(root, ".ship", "profile"))
	checkDir("  .ship/skills", filepath.Join(root, ".ship", "skills"))
	checkDir("  .ship/logs", layout.LogsDir())

	fmt.Println()
	reportContextLocks(layout, root)

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey == "" {
		fmt.Printf("    %-12s (not configured)\n", name+":")
		return
	}
	masked := apiKey
	if len(apiKey) > 8 {
		masked = apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
	}
	fmt.Printf("    %-12s %s\n", name+":", masked)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}

func checkDir(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("%s: %s (missing)\n", label, path)
	} else {
		fmt.Printf("%s: %s (OK)\n", label, path)
	}
}

// reportContextLocks walks .ship/context and lists every context whose
// advisory lock file (.context.lock) is present, with the file's
// modification time; it does not judge whether a lock is stale. This
// is a read-only diagnostic, it never removes a lock itself.
func reportContextLocks(layout *shippaths.Layout, root string) {
	contextsDir := filepath.Join(root, ".ship", "context")
	entries, err := os.ReadDir(contextsDir)
	if err != nil {
		fmt.Println("  Context locks: (no contexts on disk)")
		return
	}

	fmt.Println("  Context locks:")
	found := false
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		lockPath := filepath.Join(contextsDir, e.Name(), "messages", ".context.lock")
		info, err := os.Stat(lockPath)
		if err != nil {
			continue
		}
		found = true
		fmt.Printf("    %-32s held, last touched %s\n", e.Name()+":", info.ModTime().Format("2006-01-02T15:04:05Z07:00"))
	}
	if !found {
		fmt.Println("    (no held locks)")
	}
}
