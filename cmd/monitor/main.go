// Command monitor is a terminal dashboard that polls one rate limiter node's
// admin usage endpoint and renders live per-key quota utilization, wired
// against the teacher's termui dependency (listed in its go.mod but never
// actually used by any of its commands) to finally give that dependency a
// home: a live table view instead of a log tail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"

	"github.com/llmquota/ratelimiter/pkg/redisclient"
)

type keyUsage struct {
	Key         string `json:"key"`
	InputUsed   int64  `json:"input_tokens_used"`
	OutputUsed  int64  `json:"output_tokens_used"`
	ReqUsed     int64  `json:"requests_used"`
	InputLimit  int    `json:"input_tokens_limit"`
	OutputLimit int    `json:"output_tokens_limit"`
	ReqLimit    int    `json:"requests_limit"`
}

func main() {
	target := flag.String("target", "http://localhost:8080", "base URL of the rate limiter node to monitor")
	interval := flag.Duration("interval", time.Second, "poll interval")
	redisAddr := flag.String("redis-addr", "", "optional: coordination store address, to also show the live segment key count")
	keyPrefix := flag.String("key-prefix", "rl:", "segment key prefix, used with --redis-addr")
	flag.Parse()

	var segmentProbe func() (int, error)
	if *redisAddr != "" {
		rc, err := redisclient.NewClient(redisclient.Config{Addr: *redisAddr})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to coordination store: %v\n", err)
			os.Exit(1)
		}
		defer rc.Close()
		segmentProbe = func() (int, error) {
			keys, err := rc.Keys(context.Background(), *keyPrefix+"seg:*")
			if err != nil {
				return 0, err
			}
			return len(keys), nil
		}
	}

	if err := ui.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize terminal UI: %v\n", err)
		os.Exit(1)
	}
	defer ui.Close()

	table := widgets.NewTable()
	table.Title = "Quota Usage by Key"
	table.Rows = [][]string{{"key", "requests", "input tokens", "output tokens"}}
	table.TextStyle = ui.NewStyle(ui.ColorWhite)
	table.RowSeparator = true

	footer := widgets.NewParagraph()
	footer.Text = fmt.Sprintf("polling %s every %s - press q to quit", *target, interval)
	footer.Border = false

	grid := ui.NewGrid()
	width, height := ui.TerminalDimensions()
	grid.SetRect(0, 0, width, height)
	grid.Set(
		ui.NewRow(0.92, ui.NewCol(1.0, table)),
		ui.NewRow(0.08, ui.NewCol(1.0, footer)),
	)
	ui.Render(grid)

	client := &http.Client{Timeout: 5 * time.Second}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	events := ui.PollEvents()
	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Render(grid)
			}
		case <-ticker.C:
			rows, err := fetchUsage(client, *target)
			if err != nil {
				footer.Text = fmt.Sprintf("fetch error: %v", err)
				ui.Render(grid)
				continue
			}
			table.Rows = rows

			status := fmt.Sprintf("polling %s every %s - press q to quit - last update %s",
				*target, interval, time.Now().Format(time.RFC3339))
			if segmentProbe != nil {
				if n, err := segmentProbe(); err == nil {
					status += fmt.Sprintf(" - %d live segment keys", n)
				}
			}
			footer.Text = status
			ui.Render(grid)
		}
	}
}

func fetchUsage(client *http.Client, target string) ([][]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target+"/v1/admin/usage", nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var usages []keyUsage
	if err := json.NewDecoder(resp.Body).Decode(&usages); err != nil {
		return nil, fmt.Errorf("failed to decode usage response: %w", err)
	}

	sort.Slice(usages, func(i, j int) bool { return usages[i].Key < usages[j].Key })

	rows := [][]string{{"key", "requests", "input tokens", "output tokens"}}
	for _, u := range usages {
		rows = append(rows, []string{
			u.Key,
			fmt.Sprintf("%d/%d", u.ReqUsed, u.ReqLimit),
			fmt.Sprintf("%d/%d", u.InputUsed, u.InputLimit),
			fmt.Sprintf("%d/%d", u.OutputUsed, u.OutputLimit),
		})
	}
	return rows, nil
}
