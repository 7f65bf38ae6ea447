package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agentrelay/internal/config"
	"agentrelay/internal/dispatch"
	"agentrelay/internal/domain"
	"agentrelay/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your agentrelay installation",
		Long: `Verifies that the configuration, database, send endpoints and tenant
catalog are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("agentrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nPass --config or set %s.\n", config.EnvConfigPath)
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Send endpoint templates parse
			if _, err := dispatch.New(dispatch.Config{Templates: cfg.Gateway.SendTemplates, Logger: logger}); err != nil {
				printFail("Send endpoints", err.Error())
				failed++
			} else {
				printPass("Send endpoints", fmt.Sprintf("%d configured", len(cfg.Gateway.SendTemplates)))
				passed++
			}

			// 4. Database reachable and migrated
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := store.Open(ctx, store.Config{
				Driver:       cfg.Database.Driver,
				DSN:          cfg.Database.DSN,
				MaxOpenConns: cfg.Database.MaxOpenConns,
				Logger:       logger,
			})
			if err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				defer st.Close()
				v, _ := st.SchemaVersion(ctx)
				printPass("Database", fmt.Sprintf("%s schema v%d", cfg.Database.Driver, v))
				passed++

				p, w, f := checkCatalog(ctx, st)
				passed, warned, failed = passed+p, warned+w, failed+f
			}

			// 5. Listen address free
			if err := checkAddr(cfg.Server.Addr); err != nil {
				printWarn("Listen address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr, err))
				warned++
			} else {
				printPass("Listen address", cfg.Server.Addr+" available")
				passed++
			}

			// 6. Alerts
			if cfg.Alerts.Telegram.Enabled {
				printPass("Telegram alerts", fmt.Sprintf("chat %d", cfg.Alerts.Telegram.ChatID))
				passed++
			} else {
				printWarn("Telegram alerts", "disabled, failures are only logged")
				warned++
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running agentrelay.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nagentrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! agentrelay is ready to run.\n")
			}
			return nil
		},
	}
}

// checkCatalog looks for instances that can never be answered.
func checkCatalog(ctx context.Context, st *store.Store) (passed, warned, failed int) {
	instances, err := st.ListInstances(ctx)
	if err != nil {
		printFail("Instances", err.Error())
		return 0, 0, 1
	}
	if len(instances) == 0 {
		printWarn("Instances", "none configured (run 'agentrelay seed')")
		return 0, 1, 0
	}
	for _, inst := range instances {
		name := "Instance " + inst.Name
		switch {
		case inst.WebhookSecret == "":
			printWarn(name, "no webhook secret, deliveries will be refused")
			warned++
		case inst.AgentID == "":
			printWarn(name, "no agent assigned, messages will be ignored")
			warned++
		default:
			agent, err := st.GetAgent(ctx, inst.AgentID)
			switch {
			case err != nil:
				printFail(name, err.Error())
				failed++
			case !agent.IsActive:
				printWarn(name, fmt.Sprintf("agent %s is inactive", agent.Name))
				warned++
			case agent.ProviderID == "":
				printWarn(name, fmt.Sprintf("agent %s has no provider_id (run 'agentrelay backfill-providers')", agent.Name))
				warned++
			default:
				creds, err := st.ListActiveCredentials(ctx, inst.TenantID)
				if err != nil {
					printFail(name, err.Error())
					failed++
				} else if !hasCredential(creds, agent.ProviderID) {
					printWarn(name, fmt.Sprintf("tenant has no active %s credential", agent.ProviderID))
					warned++
				} else {
					printPass(name, fmt.Sprintf("agent %s via %s", agent.Name, agent.ProviderID))
					passed++
				}
			}
		}
	}
	return passed, warned, failed
}

func hasCredential(creds []domain.ProviderCredential, id domain.ProviderID) bool {
	for _, c := range creds {
		if c.Provider == id && c.APIKey != "" {
			return true
		}
	}
	return false
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
