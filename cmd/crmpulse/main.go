package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ankityadav/crmpulse/internal/aggregate"
	"github.com/ankityadav/crmpulse/internal/config"
	"github.com/ankityadav/crmpulse/internal/storage"
	"github.com/ankityadav/crmpulse/internal/tui"
)

var rootCmd = &cobra.Command{
	Use:          "crmpulse",
	Short:        "Synthetic health monitoring for CRM tenants",
	Long:         "Probes CRM accounts on a schedule, tracks incidents and rolls up response-time statistics",
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the monitoring engine with the TUI board",
	RunE:  runStart,
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the monitoring engine in the foreground without TUI",
	RunE:  runDaemon,
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute rollup buckets for a tenant",
	RunE:  runAggregate,
}

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "List incidents",
	RunE:  runIncidents,
}

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List configured tenants",
	RunE:  runTenants,
}

var (
	configPath string
	noDesktop  bool

	aggTenant     string
	aggResolution string
	aggFrom       string
	aggTo         string
	aggLookback   int
	aggCheckType  string

	incTenant string
	incOpen   bool
	incLimit  int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $"+config.EnvPath+" or ~/.config/crmpulse/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noDesktop, "no-desktop", false, "Disable desktop notifications")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(aggregateCmd)
	rootCmd.AddCommand(incidentsCmd)
	rootCmd.AddCommand(tenantsCmd)

	aggregateCmd.Flags().StringVarP(&aggTenant, "tenant", "t", "", "Tenant id")
	aggregateCmd.Flags().StringVarP(&aggResolution, "resolution", "r", string(aggregate.Hour), "Bucket resolution (hour|day)")
	aggregateCmd.Flags().StringVar(&aggFrom, "from", "", "Range start (RFC3339)")
	aggregateCmd.Flags().StringVar(&aggTo, "to", "", "Range end (RFC3339)")
	aggregateCmd.Flags().IntVarP(&aggLookback, "lookback", "l", aggregate.WarmupHourly, "Number of trailing buckets when no range is given")
	aggregateCmd.Flags().StringVarP(&aggCheckType, "check-type", "c", "", "Restrict to one check type")
	_ = aggregateCmd.MarkFlagRequired("tenant")
	aggregateCmd.MarkFlagsRequiredTogether("from", "to")
	aggregateCmd.MarkFlagsMutuallyExclusive("from", "lookback")

	incidentsCmd.Flags().StringVarP(&incTenant, "tenant", "t", "", "Tenant id (all tenants when empty)")
	incidentsCmd.Flags().BoolVar(&incOpen, "open", false, "Only open incidents")
	incidentsCmd.Flags().IntVarP(&incLimit, "limit", "n", 50, "Maximum number of incidents")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if noDesktop {
		cfg.DesktopNotifications = false
	}
	log, err := newLogger(true)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	e, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	defer e.stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverErr, err := e.start(ctx)
	if err != nil {
		return err
	}

	p := tea.NewProgram(
		tui.New(tui.Deps{Engine: e.orch, Aggregates: e.agg, History: e.db}),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	go func() {
		if err := <-serverErr; err != nil {
			log.Error("http server stopped", zap.Error(err))
			p.Quit()
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if noDesktop {
		cfg.DesktopNotifications = false
	}
	log, err := newLogger(false)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	e, err := newEngine(cfg, log)
	if err != nil {
		return err
	}
	defer e.stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serverErr, err := e.start(ctx)
	if err != nil {
		return err
	}
	log.Info("monitoring engine started", zap.String("listen", cfg.Listen), zap.Int("tenants", len(cfg.Tenants)))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return <-serverErr
	case err := <-serverErr:
		return err
	}
}

func runAggregate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if _, ok := cfg.Registry().Tenant(aggTenant); !ok {
		return fmt.Errorf("unknown tenant %q", aggTenant)
	}

	opts := aggregate.Options{
		Resolution: aggregate.Resolution(aggResolution),
		Tenant:     aggTenant,
		Lookback:   aggLookback,
	}
	if _, err := aggregate.BucketSize(opts.Resolution); err != nil {
		return err
	}
	if aggCheckType != "" {
		opts.CheckTypes = []string{aggCheckType}
	}
	if aggFrom != "" {
		if opts.From, err = time.Parse(time.RFC3339, aggFrom); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
		if opts.To, err = time.Parse(time.RFC3339, aggTo); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	agg := aggregate.New(db, nil, zap.NewNop(), nil)
	from, to, err := agg.Range(opts)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	n, err := agg.EnsureAggregates(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Recomputed %d %s buckets for %s (%s .. %s)\n\n", n, opts.Resolution, aggTenant,
		from.Format(time.RFC3339), to.Format(time.RFC3339))

	rows, err := agg.Query(ctx, storage.AggregateQuery{
		Resolution: string(opts.Resolution),
		Tenant:     aggTenant,
		CheckType:  aggCheckType,
		From:       from,
		To:         to,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%-20s %-18s %8s %8s %8s %6s %6s %6s\n", "Period", "Check", "Avg", "P95", "P99", "Total", "Warn", "Down")
	fmt.Println(strings.Repeat("-", 88))
	for _, r := range rows {
		fmt.Printf("%-20s %-18s %8s %8s %8s %6d %6d %6d\n",
			r.PeriodStart.Format("2006-01-02 15:04"),
			r.CheckType,
			formatMs(r.AvgResponseTime.Ptr()),
			formatMs(r.P95ResponseTime.Ptr()),
			formatMs(r.P99ResponseTime.Ptr()),
			r.TotalCount, r.WarningCount, r.DownCount)
	}
	return nil
}

func formatMs(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *v)
}

func runIncidents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	incidents, err := db.ListIncidents(cmd.Context(), incTenant, incOpen, incLimit)
	if err != nil {
		return fmt.Errorf("failed to list incidents: %w", err)
	}
	if len(incidents) == 0 {
		fmt.Println("No incidents")
		return nil
	}

	fmt.Printf("%-5s %-16s %-18s %-20s %-10s %s\n", "ID", "Tenant", "Check", "Started", "Duration", "Message")
	fmt.Println(strings.Repeat("-", 100))
	for _, inc := range incidents {
		duration := inc.Duration().Round(time.Second).String()
		if inc.IsOpen() {
			duration += "+"
		}
		fmt.Printf("%-5d %-16s %-18s %-20s %-10s %s\n",
			inc.ID, inc.Tenant, inc.CheckType,
			inc.StartTime.Local().Format("2006-01-02 15:04:05"),
			duration, inc.Message)
	}
	return nil
}

func runTenants(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Tenants) == 0 {
		fmt.Println("No tenants configured")
		return nil
	}

	fmt.Printf("%-16s %-32s %-40s %-6s %s\n", "ID", "Domain", "API", "DP", "Notify")
	fmt.Println(strings.Repeat("-", 110))
	for _, t := range cfg.Tenants {
		dp := "No"
		if t.Probes.DPEntityID > 0 || t.Probes.DPPipelineID > 0 {
			dp = "Yes"
		}
		notify := strings.Join(t.Notify, ",")
		if notify == "" {
			notify = "log"
		}
		fmt.Printf("%-16s %-32s %-40s %-6s %s\n", t.ID, t.Domain, t.APIBaseURL(), dp, notify)
	}
	return nil
}
