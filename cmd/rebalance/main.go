// Команда rebalance выполняет плановые задачи один раз: ребаланс пулов
// и ремонт состояний. Предназначена для внешнего планировщика (cron, k8s CronJob).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/app"
	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/jobs"
)

type runJobsFunc func(ctx context.Context, cfg app.Config, names []string) error

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.LookupEnv, app.RunJobs, os.Stdout, os.Stderr))
}

// knownJobs перечисляет задачи в порядке выполнения по умолчанию.
func knownJobs() []string {
	names := []string{jobs.SweepJobName}
	for _, role := range domain.PoolRoles() {
		names = append(names, jobs.RebalanceJobName(role))
	}
	return names
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), runJobs runJobsFunc, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rebalance", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		jobList   string
		threshold float64
		list      bool
	)
	fs.StringVar(&jobList, "jobs", "", "comma-separated jobs to run (default: all)")
	fs.Float64Var(&threshold, "threshold", -1, "allowed deviation from the mean pool load, in orders")
	fs.BoolVar(&list, "list", false, "print known jobs and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if list {
		for _, name := range knownJobs() {
			fmt.Fprintln(stdout, name)
		}
		return 0
	}

	cfg, warnings := app.ReadConfigFromEnv(lookup)
	log.SetLevel(cfg.LogLevel)
	for _, w := range warnings {
		log.Warn(w)
	}
	if threshold >= 0 {
		cfg.RebalanceThreshold = threshold
	}

	names := knownJobs()
	if jobList != "" {
		names = nil
		known := make(map[string]struct{})
		for _, name := range knownJobs() {
			known[name] = struct{}{}
		}
		for _, name := range strings.Split(jobList, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := known[name]; !ok {
				fmt.Fprintf(stderr, "unknown job %q (use -list)\n", name)
				return 2
			}
			names = append(names, name)
		}
	}

	if err := runJobs(ctx, cfg, names); err != nil {
		fmt.Fprintf(stderr, "jobs failed: %v\n", err)
		return 1
	}
	return 0
}
