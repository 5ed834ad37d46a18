package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipagent/ship/internal/shippaths"
	"github.com/shipagent/ship/internal/shipstore"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and inspect context transcripts on disk",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every context under .ship/context",
		Run: func(cmd *cobra.Command, args []string) {
			runSessionsList()
		},
	}
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <contextId>",
		Short: "Print a context's meta and recent turns",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runSessionsShow(args[0])
		},
	}
}

func runSessionsList() {
	root := resolveProjectRoot()
	contextsDir := filepath.Join(root, ".ship", "context")
	entries, err := os.ReadDir(contextsDir)
	if err != nil {
		fmt.Println("(no contexts on disk)")
		return
	}

	layout := shippaths.NewLayout(root)
	type row struct {
		contextID string
		turns     int
		updatedAt int64
	}
	var rows []row
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		contextID, err := url.PathUnescape(e.Name())
		if err != nil {
			contextID = e.Name()
		}
		store, err := shipstore.New(layout, contextID, nil)
		if err != nil {
			continue
		}
		turns, err := store.LoadAll()
		if err != nil {
			continue
		}
		meta, _ := store.LoadMeta()
		rows = append(rows, row{contextID: contextID, turns: len(turns), updatedAt: meta.UpdatedAt})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].updatedAt > rows[j].updatedAt })

	if len(rows) == 0 {
		fmt.Println("(no contexts on disk)")
		return
	}
	fmt.Printf("%-40s %8s  %s\n", "CONTEXT ID", "TURNS", "UPDATED")
	for _, r := range rows {
		updated := "-"
		if r.updatedAt > 0 {
			updated = time.UnixMilli(r.updatedAt).Format(time.RFC3339)
		}
		fmt.Printf("%-40s %8d  %s\n", r.contextID, r.turns, updated)
	}
}

func runSessionsShow(contextID string) {
	root := resolveProjectRoot()
	layout := shippaths.NewLayout(root)
	store, err := shipstore.New(layout, contextID, nil)
	if err != nil {
		fmt.Printf("error: %s\n", err)
		os.Exit(1)
	}

	meta, err := store.LoadMeta()
	if err != nil {
		fmt.Printf("error loading meta: %s\n", err)
		os.Exit(1)
	}
	metaJSON, _ := json.MarshalIndent(meta, "", "  ")
	fmt.Println("meta:")
	fmt.Println(string(metaJSON))
	fmt.Println()

	turns, err := store.LoadAll()
	if err != nil {
		fmt.Printf("error loading turns: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("turns (%d):\n", len(turns))
	start := 0
	if len(turns) > 20 {
		start = len(turns) - 20
		fmt.Printf("(showing last 20 of %d)\n", len(turns))
	}
	for _, t := range turns[start:] {
		fmt.Printf("- [%s] %s (%d parts)\n", t.Role, t.ID, len(t.Parts))
	}
}
