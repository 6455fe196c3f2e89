package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewdeck/internal/app"
	"crewdeck/internal/config"
	"crewdeck/internal/logging"
	crewdecksdk "crewdeck/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "crewdeck",
	Short: "Crewdeck CLI",
	Long: `Crewdeck supervises multi-agent workflow runs per project.
- serve starts the API with its live SSE and WebSocket channels.
- The other commands talk to a running server through the Go SDK.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWDECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("data-dir", "data", "data directory holding crewdeck.yml, projects and tasks")
	flags.String("server", "http://127.0.0.1:4000", "API server URL for client commands")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"data-dir", "server", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runAllCmd())
	rootCmd.AddCommand(approvalsCmd())
	rootCmd.AddCommand(decideCmd("approve", "Approve a pending approval"))
	rootCmd.AddCommand(decideCmd("reject", "Reject a pending approval"))
	rootCmd.AddCommand(metricsCmd())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir := viper.GetString("data-dir")
			cfg, err := config.Load(dataDir)
			if err != nil {
				return err
			}
			applyOverrides(cfg)
			log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a, err := app.New(ctx, cfg, dataDir, log)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Printf("Serving Crewdeck API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, cfg.Server.BasePath)
			return a.Serve(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("store", "", "snapshot store (file or sqlite)")
	cmd.Flags().String("log-level", "", "log level")
	cmd.Flags().String("nats-url", "", "NATS URL for mirroring live events")
	cmd.Flags().Float64("token-cost-per-1k", 0, "cost per 1000 tokens")
	cmd.Flags().String("workflow-command", "", "workflow executable")
	cmd.Flags().String("workflow-script", "", "workflow script passed as the first argument")
	for _, name := range []string{"addr", "store", "log-level", "nats-url", "token-cost-per-1k", "workflow-command", "workflow-script"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

// applyOverrides lays flags and CREWDECK_* variables over crewdeck.yml.
func applyOverrides(cfg *config.Config) {
	if viper.IsSet("addr") {
		cfg.Server.Addr = viper.GetString("addr")
	}
	if viper.IsSet("store") {
		cfg.Data.Store = viper.GetString("store")
	}
	if viper.IsSet("log-level") {
		cfg.Logging.Level = viper.GetString("log-level")
	}
	if viper.IsSet("nats-url") {
		cfg.NATS.URL = viper.GetString("nats-url")
	}
	if viper.IsSet("token-cost-per-1k") {
		cfg.Pricing.TokenCostPer1K = viper.GetFloat64("token-cost-per-1k")
	}
	if viper.IsSet("workflow-command") {
		cfg.Workflow.Command = viper.GetString("workflow-command")
	}
	if viper.IsSet("workflow-script") {
		cfg.Workflow.Script = viper.GetString("workflow-script")
		if abs, err := filepath.Abs(cfg.Workflow.Script); err == nil && cfg.Workflow.Script != "" {
			cfg.Workflow.Script = abs
		}
	}
}

func projectsCmd() *cobra.Command {
	prj := &cobra.Command{Use: "projects", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().Projects(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Type", "Run Status", "Last Result", "Agents"})
			for _, p := range items {
				tw.AppendRow(table.Row{p.ID, p.Name, p.Type, p.RunStatus, deref(p.LastRunResult), p.AgentCount})
			}
			tw.Render()
			return nil
		},
	})
	var projectType string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := client().CreateProject(cmd.Context(), args[0], projectType)
			if err != nil {
				return err
			}
			return printJSONOrLine(p, fmt.Sprintf("created project %s (%s) at %s", p.ID, p.Type, p.RootPath))
		},
	}
	create.Flags().StringVar(&projectType, "type", "web", "project type")
	prj.AddCommand(create)
	return prj
}

func runCmd() *cobra.Command {
	var taskFile string
	cmd := &cobra.Command{
		Use:   "run <project>",
		Short: "Start the workflow for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := client().Run(cmd.Context(), args[0], taskFile)
			if err != nil {
				return err
			}
			return printRunStatus(args[0], rs)
		},
	}
	cmd.Flags().StringVar(&taskFile, "task-file", "", "task template to run instead of AGENTS.md")
	return cmd
}

func runAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-all <project>",
		Short: "Run every task template in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := client().RunAll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRunStatus(args[0], rs)
		},
	}
}

func approvalsCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approvals", Short: "Inspect approvals"}
	ap.AddCommand(&cobra.Command{
		Use:   "list <project>",
		Short: "List approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := client().Approvals(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Step", "Created", "Summary"})
			for _, a := range items {
				tw.AppendRow(table.Row{a.ID, a.AgentID, a.Status, deref(a.StepName), a.CreatedAt.Format(time.RFC3339), firstLine(a.OutputSummary)})
			}
			tw.Render()
			return nil
		},
	})
	return ap
}

func decideCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <project> <approval>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			decide := c.Approve
			if verb == "reject" {
				decide = c.Reject
			}
			a, err := decide(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSONOrLine(a, fmt.Sprintf("approval %s is %s", a.ID, a.Status))
		},
	}
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <project>",
		Short: "Show task metrics and token costs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client()
			m, err := c.Metrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			costs, err := c.Costs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"metrics": m, "costs": costs})
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Agent", "Tasks", "Succeeded", "Failed", "Avg ms", "Tokens", "Cost"})
			ids := make([]string, 0, len(m.PerAgent))
			for id := range m.PerAgent {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				tm := m.PerAgent[id]
				ac := costs.PerAgent[id]
				tw.AppendRow(table.Row{id, tm.TotalTasks, tm.SuccessCount, tm.FailureCount, fmt.Sprintf("%.0f", tm.AverageTaskDurationMs), ac.TokensUsed, fmt.Sprintf("%.4f", ac.Cost)})
			}
			g := m.Global
			tw.AppendFooter(table.Row{"total", g.TotalTasks, g.SuccessCount, g.FailureCount, fmt.Sprintf("%.0f", g.AverageTaskDurationMs), costs.Global.TotalTokens, fmt.Sprintf("%.4f", costs.Global.TotalCost)})
			tw.Render()
			return nil
		},
	}
}

// --- helpers ---

func client() *crewdecksdk.Client {
	return crewdecksdk.New(viper.GetString("server"))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func printRunStatus(projectID string, rs crewdecksdk.RunStatus) error {
	line := fmt.Sprintf("project %s: %s", projectID, rs.Status)
	if rs.ActiveTaskFile != nil {
		line += " (" + *rs.ActiveTaskFile + ")"
	}
	return printJSONOrLine(rs, line)
}

func printJSONOrLine(v any, line string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(line)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
