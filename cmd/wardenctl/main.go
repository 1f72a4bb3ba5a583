// Command wardenctl is a thin CLI client for the warden collector's REST
// API. It sends the bearer token given with --token unchanged in the
// Authorization header and queries either the registered hosts or the
// recent transitions, optionally filtered to a named watch. It does not
// create or sign tokens itself.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

type transition struct {
	TransitionID string `json:"transition_id"`
	HostID       string `json:"host_id"`
	WatchName    string `json:"watch_name"`
	PID          int    `json:"pid"`
	FromState    string `json:"from_state"`
	ToState      string `json:"to_state"`
	OccurredAt   string `json:"occurred_at"`
	ReceivedAt   string `json:"received_at"`
}

type host struct {
	HostID   string `json:"host_id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	LastSeen string `json:"last_seen"`
	Status   string `json:"status"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("wardenctl", flag.ContinueOnError)

	collectorAddr := fs.String("collector-addr", "http://localhost:8080", "base URL of the warden collector")
	token := fs.String("token", "", "bearer token to authenticate with")
	watch := fs.String("watch", "", "watch name to filter transitions by (optional)")
	since := fs.Duration("since", time.Hour, "how far back to query transitions from now")
	limit := fs.Int("limit", 100, "maximum number of transitions to return")

	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: wardenctl [flags] <hosts|transitions>\n\nflags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	client := &client{
		addr:  *collectorAddr,
		token: *token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	switch fs.Arg(0) {
	case "hosts":
		return cmdHosts(client)
	case "transitions":
		return cmdTransitions(client, *watch, *since, *limit)
	default:
		fs.Usage()
		return 2
	}
}

type client struct {
	addr  string
	token string
	http  *http.Client
}

func (c *client) get(path string, query url.Values) ([]byte, error) {
	u := c.addr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("collector returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

func cmdHosts(c *client) int {
	body, err := c.get("/api/v1/hosts", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardenctl: %v\n", err)
		return 1
	}

	var hosts []host
	if err := json.Unmarshal(body, &hosts); err != nil {
		fmt.Fprintf(os.Stderr, "wardenctl: decode response: %v\n", err)
		return 1
	}

	for _, h := range hosts {
		fmt.Printf("%-36s  %-24s  %-10s  %s\n", h.HostID, h.Hostname, h.Status, h.LastSeen)
	}
	return 0
}

func cmdTransitions(c *client, watch string, since time.Duration, limit int) int {
	now := time.Now().UTC()
	query := url.Values{
		"from":  {now.Add(-since).Format(time.RFC3339)},
		"to":    {now.Format(time.RFC3339)},
		"limit": {fmt.Sprintf("%d", limit)},
	}
	if watch != "" {
		query.Set("watch_name", watch)
	}

	body, err := c.get("/api/v1/transitions", query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wardenctl: %v\n", err)
		return 1
	}

	var transitions []transition
	if err := json.Unmarshal(body, &transitions); err != nil {
		fmt.Fprintf(os.Stderr, "wardenctl: decode response: %v\n", err)
		return 1
	}

	for _, t := range transitions {
		fmt.Printf("%-24s  %-20s  pid=%-7d  %s -> %s\n", t.ReceivedAt, t.WatchName, t.PID, t.FromState, t.ToState)
	}
	return 0
}
