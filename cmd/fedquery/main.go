package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/openmedex/fedquery/pkg/config"
	"github.com/openmedex/fedquery/pkg/execute"
	"github.com/openmedex/fedquery/pkg/feasibility"
	"github.com/openmedex/fedquery/pkg/logging"
	"github.com/openmedex/fedquery/pkg/pipeline"
	"github.com/openmedex/fedquery/pkg/targets"
)

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path")
		mode       = flag.String("mode", "count", "Batch mode: count or identifiers")
		query      = flag.String("query", "select count(e) from ehr e", "Cohort query to dispatch")
		minMedics  = flag.Int("min-medics", 0, "Minimum participating sites (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level (overrides config)")
	)

	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *minMedics != 0 {
		cfg.MinParticipatingMedics = *minMedics
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(level, os.Stderr)

	study, sites, orgs, err := demoFederation(*mode, *query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	coordinator := pipeline.NewCoordinator(cfg, orgs, sites, log)

	result, err := coordinator.RunBatch(context.Background(), study)
	if err != nil {
		if result != nil {
			printAudit(result)
		}
		fmt.Fprintf(os.Stderr, "Batch failed: %v\n", err)
		os.Exit(1)
	}

	printResult(result)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// demoFederation wires a three-site federation with in-memory
// repositories, enough to run both batch modes end to end.
func demoFederation(mode, cohortQuery string) (*feasibility.Study, map[string]execute.Repository, targets.OrganizationProvider, error) {
	medics := []string{"medic-berlin", "medic-heidelberg", "medic-goettingen"}

	study := &feasibility.Study{
		ID:        "demo-study",
		Cohorts:   []feasibility.Cohort{{ID: "Group/1", Query: cohortQuery}},
		MedicRefs: medics,
		TTPRef:    "ttp-central",
	}

	switch mode {
	case "count":
	case "identifiers":
		study.NeedsRecordLinkage = true
	default:
		return nil, nil, nil, fmt.Errorf("unknown mode %q (want count or identifiers)", mode)
	}

	orgs := targets.StaticOrganizationProvider{
		"medic-berlin":     "medic-berlin",
		"medic-heidelberg": "medic-heidelberg",
		"medic-goettingen": "medic-goettingen",
		"ttp-central":      "ttp-central",
	}

	sites := map[string]execute.Repository{
		"medic-berlin":     newDemoRepository("berlin", 12, 10),
		"medic-heidelberg": newDemoRepository("heidelberg", 7, 6),
		"medic-goettingen": newDemoRepository("goettingen", 23, 9),
	}

	return study, sites, orgs, nil
}

func printResult(result *feasibility.BatchResult) {
	fmt.Printf("Batch %s\n", result.BatchID)
	for _, r := range result.Results {
		fmt.Printf("  %s: %d patients across %d sites\n", r.CohortID, r.CohortSize, r.ParticipatingMedics)
	}
	printAudit(result)
}

func printAudit(result *feasibility.BatchResult) {
	for _, a := range result.Audit {
		fmt.Printf("  audit [%s] %s\n", a.Code, a.Message)
	}
}
