// Command jobqueuectl is the read-only operator CLI (SPEC_FULL §4.7): a
// live bubbletea status table polling jobqueued's admin HTTP surface, or a
// single plain-text dump when stdout isn't a terminal.
//
// Grounded on cmd/goclaw/status.go's config-driven health probe, with the
// TUI/plain split lifted from the teacher's main.go isatty.IsTerminal check.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/edgecoord/jobqueue/internal/config"
	"github.com/edgecoord/jobqueue/internal/statustui"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.AdminBindAddr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &adminClient{baseURL: baseURL, httpClient: &http.Client{Timeout: 3 * time.Second}}

	if !isatty.IsTerminal(os.Stdout.Fd()) || os.Getenv("JOBQUEUECTL_NO_TUI") != "" {
		return runPlain(ctx, client)
	}

	err = statustui.Run(ctx, func() statustui.Snapshot {
		snap, err := client.snapshot(ctx)
		if err != nil {
			return statustui.Snapshot{LastError: err.Error()}
		}
		return snap
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "status tui: %v\n", err)
		return 1
	}
	return 0
}

func runPlain(ctx context.Context, client *adminClient) int {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	body, status, err := client.getRaw(reqCtx, "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if status != http.StatusOK {
		return 1
	}
	return 0
}

type healthzPayload struct {
	Healthy        bool   `json:"healthy"`
	LoadedModel    string `json:"loaded_model"`
	ResidencyState string `json:"residency_state"`
	UptimeSec      int    `json:"uptime_sec"`
}

type queueSnapshot struct {
	PendingCount   int
	StreamingCount int
	Jobs           []struct {
		ID             string
		Status         string
		RequestedModel string
		Priority       int
		QueuePosition  int
	}
}

type adminClient struct {
	baseURL    string
	httpClient *http.Client
}

func (c *adminClient) getRaw(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func (c *adminClient) snapshot(ctx context.Context) (statustui.Snapshot, error) {
	healthBody, _, err := c.getRaw(ctx, "/healthz")
	if err != nil {
		return statustui.Snapshot{}, fmt.Errorf("fetch healthz: %w", err)
	}
	var health healthzPayload
	if err := json.Unmarshal(healthBody, &health); err != nil {
		return statustui.Snapshot{}, fmt.Errorf("decode healthz: %w", err)
	}

	queueBody, _, err := c.getRaw(ctx, "/queue")
	if err != nil {
		return statustui.Snapshot{}, fmt.Errorf("fetch queue: %w", err)
	}
	var queue queueSnapshot
	if err := json.Unmarshal(queueBody, &queue); err != nil {
		return statustui.Snapshot{}, fmt.Errorf("decode queue: %w", err)
	}

	jobs := make([]statustui.JobView, 0, len(queue.Jobs))
	for _, j := range queue.Jobs {
		jobs = append(jobs, statustui.JobView{
			ID:       j.ID,
			Status:   j.Status,
			Model:    j.RequestedModel,
			Priority: j.Priority,
			Position: j.QueuePosition,
		})
	}

	return statustui.Snapshot{
		Healthy:        health.Healthy,
		LoadedModel:    health.LoadedModel,
		ResidencyState: health.ResidencyState,
		PendingCount:   queue.PendingCount,
		StreamingCount: queue.StreamingCount,
		Jobs:           jobs,
		Uptime:         time.Duration(health.UptimeSec) * time.Second,
	}, nil
}
