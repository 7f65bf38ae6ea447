package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"agentrelay/internal/domain"
	"agentrelay/internal/probe"
	"agentrelay/internal/provider"
	"agentrelay/internal/store"
)

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [instance-id]",
		Short: "Check gateway connection status of one or all instances",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			p := probe.New(probe.Config{
				Store:      st,
				StatusPath: cfg.Gateway.StatusPath,
				Timeout:    time.Duration(cfg.Probe.TimeoutSeconds) * time.Second,
				Logger:     logger,
			})

			var results []probe.Result
			if len(args) == 1 {
				res, err := p.ProbeByID(ctx, args[0])
				if err != nil {
					return err
				}
				results = append(results, res)
			} else if results, err = p.ProbeAll(ctx); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE\tSTATUS\tSTATE\tERROR")
			for _, r := range results {
				errText := ""
				if r.Err != nil {
					errText = r.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.InstanceID, r.Status(), r.State, errText)
			}
			return w.Flush()
		},
	}
}

func backfillCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "backfill-providers",
		Short: "Fill agents.provider_id from each agent's model name",
		Long: `Agents created before provider_id existed only carry a model name.
This guesses the provider from that name once and stores it; message
handling never guesses.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return backfillProviders(ctx, st, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print what would change without writing")
	return cmd
}

func backfillProviders(ctx context.Context, st *store.Store, dryRun bool) error {
	agents, err := st.ListAgents(ctx)
	if err != nil {
		return err
	}
	updated, skipped := 0, 0
	for _, a := range agents {
		if a.ProviderID != "" {
			continue
		}
		id, ok := provider.InferProvider(a.Model)
		if !ok {
			fmt.Printf("  [SKIP] %-36s model %q: provider unknown\n", a.ID, a.Model)
			skipped++
			continue
		}
		fmt.Printf("  [SET]  %-36s model %q -> %s\n", a.ID, a.Model, id)
		if !dryRun {
			if err := st.SetAgentProvider(ctx, a.ID, id); err != nil {
				return err
			}
		}
		updated++
	}
	verb := "updated"
	if dryRun {
		verb = "would update"
	}
	fmt.Printf("\n%s %d agent(s), %d left without provider\n", verb, updated, skipped)
	return nil
}

// fixtures is the seed file layout.
type fixtures struct {
	Tenants     []domain.Tenant             `yaml:"tenants"`
	Instances   []domain.Instance           `yaml:"instances"`
	Agents      []domain.Agent              `yaml:"agents"`
	Credentials []domain.ProviderCredential `yaml:"credentials"`
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load tenants, instances, agents and credentials from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read fixtures: %w", err)
			}
			var fix fixtures
			if err := yaml.Unmarshal(data, &fix); err != nil {
				return fmt.Errorf("parse fixtures %s: %w", args[0], err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := seed(ctx, st, &fix); err != nil {
				return err
			}
			logger.Info("seeded", "tenants", len(fix.Tenants), "instances", len(fix.Instances),
				"agents", len(fix.Agents), "credentials", len(fix.Credentials))
			return nil
		},
	}
}

func seed(ctx context.Context, st *store.Store, fix *fixtures) error {
	for _, t := range fix.Tenants {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if err := st.UpsertTenant(ctx, t); err != nil {
			return err
		}
	}
	for _, a := range fix.Agents {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.ProviderID != "" {
			if _, ok := domain.ParseProviderID(string(a.ProviderID)); !ok {
				return fmt.Errorf("agent %s: unknown provider %q", a.ID, a.ProviderID)
			}
		}
		if err := st.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}
	for _, inst := range fix.Instances {
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		if err := st.UpsertInstance(ctx, inst); err != nil {
			return err
		}
	}
	for _, c := range fix.Credentials {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if _, ok := domain.ParseProviderID(string(c.Provider)); !ok {
			return fmt.Errorf("credential %s: unknown provider %q", c.ID, c.Provider)
		}
		if err := st.UpsertCredential(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func historyCmd() *cobra.Command {
	var withRuns bool
	cmd := &cobra.Command{
		Use:   "history <instance-id> <remote-id>",
		Short: "Print the stored conversation with one contact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return printHistory(ctx, os.Stdout, st, args[0], args[1], withRuns)
		},
	}
	cmd.Flags().BoolVar(&withRuns, "runs", false, "show the generation attempts under each incoming message")
	return cmd
}

func printHistory(ctx context.Context, out io.Writer, st *store.Store, instanceID, remoteID string, withRuns bool) error {
	rows, err := st.Conversation(ctx, instanceID, remoteID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tDIR\tSTATUS\tCONTENT")
	for _, m := range rows {
		content := oneLine(m.Content, 80)
		if m.ErrorMessage != "" {
			content += "  (" + m.ErrorMessage + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", m.ID, m.CreatedAt.Local().Format(time.DateTime), m.Direction, m.Status, content)
		if !withRuns || m.Direction != domain.DirectionIncoming {
			continue
		}
		runs, err := st.RunLogsForMessage(ctx, m.ID)
		if err != nil {
			return err
		}
		for _, r := range runs {
			fmt.Fprintf(w, "\t\t  run\t%s\t%s\n", r.Status, runSummary(r))
		}
	}
	return w.Flush()
}

func runSummary(r domain.RunLog) string {
	s := fmt.Sprintf("%s/%s %dms", r.Provider, r.Model, r.LatencyMs)
	if r.ErrorMessage != "" {
		s += "  " + oneLine(r.ErrorMessage, 60)
	}
	return s
}

func oneLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		s = string(r[:n]) + "…"
	}
	return s
}

func logsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect webhook and generation logs",
	}
	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "number of rows to print")

	withStore := func(fn func(ctx context.Context, st *store.Store, arg string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return fn(ctx, st, args[0])
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "webhooks <instance-id>",
		Short: "Print the newest webhook requests of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st *store.Store, id string) error {
			return printWebhookLogs(ctx, os.Stdout, st, id, limit)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "runs <agent-id>",
		Short: "Print the newest generation attempts of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, st *store.Store, id string) error {
			return printRunLogs(ctx, os.Stdout, st, id, limit)
		}),
	})
	return cmd
}

func printWebhookLogs(ctx context.Context, out io.Writer, st *store.Store, instanceID string, limit int) error {
	logs, err := st.WebhookLogs(ctx, instanceID, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tEVENT\tACTION\tHTTP")
	for _, l := range logs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\n", l.ID, l.CreatedAt.Local().Format(time.DateTime), l.EventType, l.Action, l.HTTPStatus)
	}
	return w.Flush()
}

func printRunLogs(ctx context.Context, out io.Writer, st *store.Store, agentID string, limit int) error {
	runs, err := st.RecentRunLogs(ctx, agentID, limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MESSAGE\tTIME\tSTATUS\tRUN")
	for _, r := range runs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.MessageID, r.CreatedAt.Local().Format(time.DateTime), r.Status, runSummary(r))
	}
	return w.Flush()
}
