// compactrun runs a bounded number of scheduler passes against a synthetic
// keyspace and reports every scan, split, and submission decision as JSON.
// Useful for rehearsing threshold settings before rolling them out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/peterxcli/rangecompact/compaction"
	"github.com/peterxcli/rangecompact/integration"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON service configuration file (defaults apply if omitted)")
	genFile := flag.String("gen", "", "Path to JSON keyspace generator configuration file")
	passes := flag.Int("passes", 1, "Number of scheduler passes to run")
	outputFile := flag.String("output", "", "Path to output JSON file (prints to stdout if not specified)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	cfg := compaction.DefaultServiceConfig()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing config JSON: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	genCfg := integration.DefaultGenerateConfig()
	if *genFile != "" {
		data, err := os.ReadFile(*genFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading generator config file: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(data, &genCfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error parsing generator config JSON: %v\n", err)
			os.Exit(1)
		}
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store := integration.Generate(genCfg)
	svc, err := compaction.NewService(cfg, store, store, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating service: %v\n", err)
		os.Exit(1)
	}

	reports := make([]compaction.PassReport, 0, *passes)
	for i := 0; i < *passes; i++ {
		reports = append(reports, svc.RunPass(context.Background()))
	}
	svc.Stop()

	out, err := json.MarshalIndent(struct {
		Config  compaction.ServiceConfig   `json:"config"`
		Keys    integration.GenerateConfig `json:"keyspace"`
		Reports []compaction.PassReport    `json:"reports"`
	}{Config: cfg, Keys: genCfg, Reports: reports}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, out, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing output file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Report written to %s\n", *outputFile)
		return
	}
	fmt.Println(string(out))
}
