package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/rfsn/internal/config"
	"github.com/basket/rfsn/internal/doctor"
)

func runDoctorCommand(ctx context.Context, configPath, repoPath, planPath string, jsonOutput bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue anyway; the config check will report the details.
	}
	if repoPath != "" {
		cfg.RepoPath = repoPath
	}
	if planPath != "" {
		cfg.PlanFile = planPath
	}

	diag := doctor.Run(ctx, cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return exitFailure
		}
		if diag.Failed() {
			return exitFailure
		}
		return exitOK
	}

	fmt.Printf("rfsn Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	for _, res := range diag.Results {
		icon := "✅"
		switch res.Status {
		case "FAIL":
			icon = "❌"
		case "WARN":
			icon = "⚠️ "
		case "SKIP":
			icon = "⏩"
		}
		fmt.Printf("%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if diag.Failed() {
		return exitFailure
	}
	return exitOK
}
