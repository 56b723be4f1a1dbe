// Command panopticond runs the Panopticon supervisor: a single patrol
// loop that ticks on a fixed interval, reconciling specialist health,
// queued work, idle agents, and orphaned review state across every agent
// session on the host.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/eltmon/panopticon/internal/clock"
	"github.com/eltmon/panopticon/internal/config"
	"github.com/eltmon/panopticon/internal/fpp"
	"github.com/eltmon/panopticon/internal/handoff"
	"github.com/eltmon/panopticon/internal/heartbeat"
	"github.com/eltmon/panopticon/internal/queue"
	"github.com/eltmon/panopticon/internal/registry"
	"github.com/eltmon/panopticon/internal/router"
	"github.com/eltmon/panopticon/internal/runtime"
	"github.com/eltmon/panopticon/internal/status"
	"github.com/eltmon/panopticon/internal/supervisor"
	"github.com/eltmon/panopticon/internal/types"
)

var (
	rootDir        string
	specialistList []string
	tmuxBinary     string
)

var rootCmd = &cobra.Command{
	Use:   "panopticond",
	Short: "Supervise a fleet of terminal-multiplexer AI agent sessions",
	Long:  `panopticond patrols specialist health, drains per-agent queues, auto-suspends idle agents, heals orphaned review state, and watches for lazy behavior, on a fixed tick.`,
	Run:   runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", defaultRoot(), "state root directory")
	rootCmd.PersistentFlags().StringSliceVar(&specialistList, "specialist", []string{"review", "test", "merge", "plan"}, "specialist names to supervise")
	rootCmd.PersistentFlags().StringVar(&tmuxBinary, "tmux-binary", "tmux", "path to the tmux binary")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".panopticon"
	}
	return filepath.Join(home, ".panopticon")
}

// cmdlineInitializer spawns a specialist/work agent via the registry,
// using each specialist's own launch command looked up by convention
// (root/specialists/<name>/start.sh).
type cmdlineInitializer struct {
	reg  *registry.Registry
	root string
}

func (i *cmdlineInitializer) Start(ctx context.Context, name string) error {
	cmdline := filepath.Join(i.root, "specialists", name, "start.sh")
	_, err := i.reg.Spawn(ctx, registry.SpawnInput{
		ID:            name,
		WorkspacePath: i.root,
		RuntimeName:   "claude",
		WorkType:      specialistWorkType(name),
		Cmdline:       cmdline,
	})
	return err
}

func (i *cmdlineInitializer) WakeWithTask(ctx context.Context, name string, task types.QueueItem) error {
	cmdline := filepath.Join(i.root, "specialists", name, "start.sh")
	_, err := i.reg.Spawn(ctx, registry.SpawnInput{
		ID:            name,
		IssueID:       task.Payload.IssueID,
		WorkspacePath: task.Payload.Workspace,
		RuntimeName:   "claude",
		WorkType:      specialistWorkType(name),
		Cmdline:       cmdline,
	})
	return err
}

func specialistWorkType(name string) string {
	switch name {
	case "review":
		return "specialist-review-agent"
	case "test":
		return "specialist-test-agent"
	case "merge":
		return "specialist-merge-agent"
	case "plan":
		return "specialist-plan-agent"
	default:
		return "subagent:bash"
	}
}

func runDaemon(cmd *cobra.Command, args []string) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("%s root=%s specialists=%v\n", cyan("Starting panopticond..."), rootDir, specialistList)

	cfgPath := filepath.Join(rootDir, "deacon", "config.json")
	cfg, err := config.LoadFromFile(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("fatal: load config:"), err)
		os.Exit(1)
	}

	lazyPath := filepath.Join(rootDir, "deacon", "lazy-patterns.yaml")
	lazyPatterns, err := config.LoadLazyPatterns(lazyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("fatal: load lazy patterns:"), err)
		os.Exit(1)
	}

	rt := runtime.NewTmuxRuntime(2, 4)
	rt.SetBinary(tmuxBinary)

	rtrPath := filepath.Join(rootDir, "deacon", "router.json")
	rtr, err := router.LoadFromFile(rtrPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("fatal: load router config:"), err)
		os.Exit(1)
	}

	reg := registry.New(rootDir, rt, rtr)
	hb := heartbeat.New(rootDir, rt)
	hb.Thresholds = heartbeat.Thresholds{Stale: cfg.Durations().Stale, Warning: cfg.Durations().Warning, Stuck: cfg.Durations().Stuck}
	q := queue.New(rootDir)
	st := status.New(rootDir)
	hl := handoff.New(rootDir)
	fp := fpp.New(rootDir)
	fp.MaxNudge = cfg.NMaxNudges

	sup := supervisor.New(supervisor.Deps{
		Root:            rootDir,
		Runtime:         rt,
		Heartbeat:       hb,
		Registry:        reg,
		Queue:           q,
		Status:          st,
		Handoff:         hl,
		FPP:             fp,
		Initializer:     &cmdlineInitializer{reg: reg, root: rootDir},
		LazyPatterns:    lazyPatterns,
		Durations:       cfg.Durations(),
		SpecialistNames: specialistList,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchExternalStatus(rootDir)

	clk := clock.New()
	clk.Start(ctx, cfg.Durations().Patrol, func(tickCtx context.Context) {
		sup.Patrol(tickCtx)
	})

	fmt.Printf("%s interval=%s\n", green("panopticond running."), cfg.Durations().Patrol)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down panopticond...")
	clk.Stop()
	fmt.Println("panopticond stopped.")
}

// watchExternalStatus logs out-of-band writes to review-status.json, a
// debug aid for operators diagnosing a specialist writing status directly
// instead of through the queue.
func watchExternalStatus(root string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: fsnotify unavailable, external-status watch disabled: %v\n", err)
		return
	}
	dir := root
	if err := os.MkdirAll(dir, 0o755); err != nil {
		watcher.Close()
		return
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return
	}
	go func() {
		gray := color.New(color.FgHiBlack).SprintFunc()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Base(ev.Name) == "review-status.json" {
					fmt.Printf("%s %s\n", gray("[status]"), ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Printf("warning: status watcher: %v\n", err)
			}
		}
	}()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-shot snapshot of agent and queue state",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		rt := runtime.NewTmuxRuntime(2, 4)
		rtrPath := filepath.Join(rootDir, "deacon", "router.json")
		rtr, err := router.LoadFromFile(rtrPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		reg := registry.New(rootDir, rt, rtr)

		entries, err := reg.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("%s\n\n", cyan("=== Panopticon Status ==="))
		if len(entries) == 0 {
			fmt.Printf("  %s\n", gray("no agents registered"))
			return
		}
		for _, e := range entries {
			marker := gray("○")
			if e.TmuxActive {
				marker = green("●")
			}
			fmt.Printf("  %s %-24s status=%-10s model=%s\n", marker, e.Record.ID, e.Record.Status, e.Record.Model)
		}
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recreate sessions for agents whose record says running but have no live session",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfgPath := filepath.Join(rootDir, "deacon", "config.json")
		cfg, err := config.LoadFromFile(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		lazyPatterns, err := config.LoadLazyPatterns(filepath.Join(rootDir, "deacon", "lazy-patterns.yaml"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		rt := runtime.NewTmuxRuntime(2, 4)
		rtr, err := router.LoadFromFile(filepath.Join(rootDir, "deacon", "router.json"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		reg := registry.New(rootDir, rt, rtr)
		hb := heartbeat.New(rootDir, rt)
		q := queue.New(rootDir)
		st := status.New(rootDir)
		hl := handoff.New(rootDir)
		fp := fpp.New(rootDir)

		sup := supervisor.New(supervisor.Deps{
			Root:            rootDir,
			Runtime:         rt,
			Heartbeat:       hb,
			Registry:        reg,
			Queue:           q,
			Status:          st,
			Handoff:         hl,
			FPP:             fp,
			Initializer:     &cmdlineInitializer{reg: reg, root: rootDir},
			LazyPatterns:    lazyPatterns,
			Durations:       cfg.Durations(),
			SpecialistNames: specialistList,
		})

		recovered, err := sup.RecoverCrashed(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		if len(recovered) == 0 {
			fmt.Println("nothing to recover.")
			return
		}
		for _, id := range recovered {
			fmt.Printf("%s %s\n", green("recovered:"), id)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
