package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/flotilla/internal/config"
	"github.com/basket/flotilla/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue with a nil config so the report shows what else works.
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd())
	fmt.Printf("Flotilla Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		marker := markerFor(res.Status, pretty)
		if res.Status == "FAIL" {
			failCount++
		}
		fmt.Printf("%s %-10s: %s\n", marker, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}

	if failCount > 0 {
		return 1
	}
	return 0
}

func markerFor(status string, pretty bool) string {
	if pretty {
		switch status {
		case "FAIL":
			return "❌"
		case "WARN":
			return "⚠️ "
		case "SKIP":
			return "⏩"
		default:
			return "✅"
		}
	}
	return "[" + status + "]"
}
