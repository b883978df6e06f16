package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor() {
				os.Exit(1)
			}
		},
	}
}

type check struct {
	name string
	ok   bool
	note string
}

func runDoctor() bool {
	var checks []check
	add := func(name string, ok bool, note string) {
		checks = append(checks, check{name, ok, note})
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		add("config", false, err.Error())
		report(checks)
		return false
	}
	add("config", true, cfgPath)

	add("agents", len(cfg.Agents.List) > 0,
		fmt.Sprintf("%d configured, default %q", len(cfg.Agents.List), cfg.DefaultAgentID()))

	if cfg.Gateway.Token == "" {
		add("admin token", false, config.EnvAdminToken+" not set; admin RPC disabled")
	} else {
		add("admin token", true, "from "+config.EnvAdminToken)
	}
	for _, t := range cfg.Gateway.Tokens {
		if t.Token == "" {
			add("token "+t.Name, false, "env var empty")
		} else {
			add("token "+t.Name, true, fmt.Sprintf("scopes %v", t.Scopes))
		}
	}

	resolved := 0
	for i := range cfg.Providers.Profiles {
		if cfg.Providers.Profiles[i].Key() != "" {
			resolved++
		}
	}
	add("auth profiles", resolved > 0 || len(cfg.Providers.Profiles) == 0,
		fmt.Sprintf("%d/%d keys resolved", resolved, len(cfg.Providers.Profiles)))

	add("sessions dir", dirWritable(cfg.Sessions.Dir), cfg.Sessions.Dir)
	add("media dir", dirWritable(cfg.Media.Dir), cfg.Media.Dir)

	ok := report(checks)
	return ok
}

func dirWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

func report(checks []check) bool {
	allOK := true
	for _, c := range checks {
		mark := "ok"
		if !c.ok {
			mark = "FAIL"
			allOK = false
		}
		fmt.Printf("%-16s %-4s %s\n", c.name, mark, c.note)
	}
	return allOK
}
