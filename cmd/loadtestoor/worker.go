package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethpandaops/loadtestoor/pkg/worker"
	"github.com/spf13/cobra"
)

var workerFlags struct {
	testID      string
	region      string
	targetURL   string
	concurrency int
	duration    time.Duration
	rampUp      time.Duration
	reportURL   string
	watchdog    time.Duration
	headers     []string
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one load-generating worker",
	Long: `Run the load-generating worker for a single (test, region) pair.
Normally launched by the orchestrator inside a container; the report
token is read from the LOADTESTOOR_REPORT_TOKEN environment variable.`,
	RunE: runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerFlags.testID, "test-id", "", "test identifier")
	f.StringVar(&workerFlags.region, "region", "", "region this worker runs in")
	f.StringVar(&workerFlags.targetURL, "target-url", "", "URL to generate load against")
	f.IntVar(&workerFlags.concurrency, "concurrency", 1, "number of virtual users")
	f.DurationVar(&workerFlags.duration, "duration", time.Minute, "load duration")
	f.DurationVar(&workerFlags.rampUp, "ramp-up", 0, "ramp-up window")
	f.StringVar(&workerFlags.reportURL, "report-url", "", "orchestrator completion endpoint")
	f.DurationVar(&workerFlags.watchdog, "watchdog", 0, "self-termination ceiling (0 disables)")
	f.StringArrayVar(&workerFlags.headers, "header", nil,
		`extra request header, "Name: value" (repeatable)`)

	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders(workerFlags.headers)
	if err != nil {
		return err
	}

	cfg := &worker.Config{
		TestID:      workerFlags.testID,
		Region:      workerFlags.region,
		TargetURL:   workerFlags.targetURL,
		Concurrency: workerFlags.concurrency,
		Duration:    workerFlags.duration,
		RampUp:      workerFlags.rampUp,
		Headers:     headers,
		ReportURL:   workerFlags.reportURL,
		ReportToken: os.Getenv("LOADTESTOOR_REPORT_TOKEN"),
		Watchdog:    workerFlags.watchdog,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Shutting down worker")
		cancel()
	}()

	return worker.New(log, cfg).Run(ctx)
}

// parseHeaders splits repeated "Name: value" flags into a map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	headers := make(map[string]string, len(raw))

	for _, h := range raw {
		name, value, found := strings.Cut(h, ":")
		if !found || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}

		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	return headers, nil
}
