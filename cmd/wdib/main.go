package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LucPettett/what-do-i-become/internal/app"
	"github.com/LucPettett/what-do-i-become/internal/audit"
	"github.com/LucPettett/what-do-i-become/internal/config"
	"github.com/LucPettett/what-do-i-become/internal/domain"
	"github.com/LucPettett/what-do-i-become/internal/hardware"
	"github.com/LucPettett/what-do-i-become/internal/scheduler"
	"github.com/LucPettett/what-do-i-become/internal/server"
	"github.com/LucPettett/what-do-i-become/internal/store"
	"github.com/LucPettett/what-do-i-become/internal/tick"
)

var v = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "wdib",
	Short: "what-do-i-become device control plane",
	Long: `wdib runs one device through daily cycles.
- Tick: one cycle. Hardware evidence is probed, a work order is issued to the
  external worker, its result is validated and folded into the device state.
- Event log: every change is appended to events.ndjson before state.json is saved.
- Public projection: a sanitized status.json and daily summary, optionally
  committed and pushed with git.
- Instructions: 'wdib message' queues one instruction for the next tick.`,
	SilenceUsage: true,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("root", "r", ".", "root directory holding wdib.yml and devices/")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("device-id", "", "device id (overrides .env and .device_id)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("device_id", rootCmd.PersistentFlags().Lookup("device-id"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(messageCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one cycle",
		Long:  "Exit codes: 0 done, deferred or terminated; 2 contract violation; 3 worker timeout or crash; 4 fatal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return &exitError{code: tick.ExitFatal, err: err}
			}
			t, err := a.Ticker()
			if err != nil {
				return &exitError{code: tick.ExitFatal, err: err}
			}
			rep, runErr := t.Run(cmd.Context())
			if err := printReport(rep); err != nil {
				return err
			}
			if code := tick.ExitCode(runErr); code != tick.ExitOK {
				return &exitError{code: code, err: runErr}
			}
			return nil
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var every time.Duration
	var immediate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run cycles on a fixed cadence until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			t, err := a.Ticker()
			if err != nil {
				return err
			}
			s, err := scheduler.NewScheduler(t, a.Logger)
			if err != nil {
				return err
			}
			if err := s.Every(every, immediate); err != nil {
				return err
			}
			return s.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Hour, "interval between cycles")
	cmd.Flags().BoolVar(&immediate, "immediate", true, "run the first cycle on start")
	return cmd
}

func messageCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Queue an instruction for the next cycle",
		Long:  "Only one instruction is pending at a time; a new one replaces an unconsumed one. TERMINATE ends the device's run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" && len(args) > 0 {
				text = strings.Join(args, " ")
			}
			a, err := bootstrap()
			if err != nil {
				return err
			}
			in := a.Inbox()
			pending, err := in.Peek()
			if err != nil {
				return err
			}
			msg, err := in.Enqueue(text)
			if err != nil {
				return err
			}
			out := map[string]any{
				"device_id": a.DeviceID,
				"queued_at": msg.QueuedAt,
				"replaced":  !pending.Empty(),
			}
			if v.GetBool("json") {
				return printJSON(out)
			}
			if !pending.Empty() {
				fmt.Printf("Replaced pending instruction queued at %s\n", pending.QueuedAt)
			}
			fmt.Printf("Queued instruction for %s at %s\n", a.DeviceID, msg.QueuedAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "instruction text")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the private device state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			st, err := a.Store.Load(a.DeviceID)
			if err != nil {
				return err
			}
			pending, err := a.Inbox().Peek()
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(map[string]any{
					"state":               st,
					"pending_instruction": !pending.Empty(),
				})
			}
			printState(st, !pending.Empty())
			return nil
		},
	}
	return cmd
}

func printState(st domain.DeviceState, pending bool) {
	fmt.Printf("Device: %s (%s)\n", st.DeviceID, st.Status)
	fmt.Printf("Day: %d  Last cycle: %s %s\n", st.Day, valueOr(st.LastCycleID, "none"), st.LastCycleOn)
	if st.Becoming != "" {
		fmt.Printf("Becoming: %s\n", st.Becoming)
	}
	if pending {
		fmt.Println("Instruction pending: yes")
	}

	if len(st.Tasks) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Tasks")
		tw.AppendHeader(table.Row{"ID", "Title", "Status", "Updated"})
		for _, t := range st.Tasks {
			tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.UpdatedOn})
		}
		tw.Render()
	}
	if len(st.HardwareRequests) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Hardware")
		tw.AppendHeader(table.Row{"ID", "Part", "Status", "Attempts", "Evidence"})
		for _, h := range st.HardwareRequests {
			tw.AppendRow(table.Row{h.ID, h.PartName, h.Status, h.Attempts, h.EvidenceRef})
		}
		tw.Render()
	}
	var open []domain.Incident
	for _, inc := range st.Incidents {
		if inc.Status != domain.IncidentResolved {
			open = append(open, inc)
		}
	}
	if len(open) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.SetTitle("Open incidents")
		tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Retries", "Next retry"})
		for _, inc := range open {
			tw.AppendRow(table.Row{inc.ID, inc.Kind, inc.Status, inc.RetryCount, inc.NextRetryOn})
		}
		tw.Render()
	}
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, cycleID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			records, err := a.QueryEvents(cmd.Context(), audit.Filter{Type: evtType, CycleID: cycleID, Limit: n})
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				evts := make([]domain.Event, 0, len(records))
				for _, r := range records {
					evts = append(evts, r.Event)
				}
				return printJSON(evts)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Seq", "Time", "Cycle", "Type"})
			for _, r := range records {
				tw.AppendRow(table.Row{r.Seq, r.Event.TS, r.Event.CycleID, r.Event.Type})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id filter")
	return cmd
}

func evidenceCmd() *cobra.Command {
	e := &cobra.Command{
		Use:   "evidence",
		Short: "Record hardware evidence",
		Long:  "Evidence is what an external detector observed. The next tick reads it; nothing else changes hardware status.",
	}
	e.AddCommand(evidenceReportCmd())
	return e
}

func evidenceReportCmd() *cobra.Command {
	var requestID, ref string
	var report hardware.EvidenceReport
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Write an evidence report for one hardware request",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			report.Ref = ref
			doc, err := hardware.RecordEvidence(a.EvidencePath(), requestID, report, a.Now())
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(doc)
			}
			fmt.Printf("Recorded evidence for %s in %s\n", requestID, a.EvidencePath())
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request", "", "hardware request id")
	cmd.Flags().BoolVar(&report.Detected, "detected", false, "part is present")
	cmd.Flags().BoolVar(&report.Verified, "verified", false, "part passed its check")
	cmd.Flags().BoolVar(&report.Failed, "failed", false, "part is present but broken")
	cmd.Flags().StringVar(&ref, "ref", "", "evidence reference, e.g. a device path")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Logger: a.Logger}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret (WDIB_SERVER_JWT_SECRET) is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				DeviceID: a.DeviceID,
				Layout:   a.Layout(),
				Inbox:    a.Inbox(),
				Events:   a,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			fmt.Printf("Serving device API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			return server.Serve(cmd.Context(), addr, handler, a.Logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect wdib.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default wdib.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(v.GetString("root"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := store.WriteFileAtomic(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			shown := *a.Config
			if shown.Git.Token != "" {
				shown.Git.Token = "***"
			}
			if shown.Server.JWTSecret != "" {
				shown.Server.JWTSecret = "***"
			}
			shown.DeviceID = a.DeviceID
			if v.GetBool("json") {
				return printJSON(shown)
			}
			out, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate wdib.yml and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := bootstrap()
			if v.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func bootstrap() (*app.App, error) {
	return app.Bootstrap(v.GetString("root"), v, os.Stderr)
}

func printReport(rep tick.Report) error {
	if v.GetBool("json") {
		return printJSON(rep)
	}
	line := fmt.Sprintf("%s %s: %s at %s", rep.DeviceID, valueOr(rep.CycleID, "-"), rep.Outcome, rep.Stage)
	if rep.Day > 0 {
		line += fmt.Sprintf(" (day %d, %s)", rep.Day, rep.Status)
	}
	if rep.Reason != "" {
		line += " reason=" + rep.Reason
	}
	if rep.Deferred != nil {
		line += fmt.Sprintf(" deferred until %s by %s", rep.Deferred.NextRetryOn, rep.Deferred.IncidentID)
	}
	if rep.PushError != "" {
		line += " push_error=" + rep.PushError
	}
	fmt.Println(line)
	return nil
}

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
