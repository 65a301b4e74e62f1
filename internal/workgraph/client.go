package workgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CLIClient talks to the external work graph store through its command-line
// tool. Every call shells out and parses JSON output; the store provides its
// own transactional safety per invocation.
type CLIClient struct {
	// BinPath is the graph CLI binary (default "wg").
	BinPath string
	// DBPath, when set, is passed as --db so multiple graphs can coexist.
	DBPath  string
	Verbose bool
}

func (c *CLIClient) run(ctx context.Context, args ...string) (string, error) {
	if c.DBPath != "" {
		args = append([]string{"--db", c.DBPath}, args...)
	}
	if c.Verbose {
		fmt.Fprintf(os.Stderr, "[workgraph] running: %s %s\n", c.BinPath, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, c.BinPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("workgraph command failed: %w\nstderr: %s", err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Load fetches every issue as a JSON array and builds a snapshot.
func (c *CLIClient) Load(ctx context.Context) (*Graph, error) {
	out, err := c.run(ctx, "list", "--json")
	if err != nil {
		return nil, err
	}

	var issues []*Issue
	if err := json.Unmarshal([]byte(out), &issues); err != nil {
		return nil, fmt.Errorf("workgraph: parse issue list: %w", err)
	}
	return NewGraph(issues), nil
}

// UpdateStatus sets an issue's status.
func (c *CLIClient) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := c.run(ctx, "update", id, "-s", string(status))
	return err
}

// IncrementAttempts bumps the attempt counter. The CLI prints the new count.
func (c *CLIClient) IncrementAttempts(ctx context.Context, id string) (int, error) {
	out, err := c.run(ctx, "attempts", "bump", id)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("workgraph: parse attempt count %q: %w", out, err)
	}
	return n, nil
}

// AddEvent appends a diagnostic event to the issue's history.
func (c *CLIClient) AddEvent(ctx context.Context, id, kind, payload string) error {
	_, err := c.run(ctx, "events", "add", id, "-k", kind, "-p", payload)
	return err
}

// CreateIssue creates a new issue and returns its ID (printed by the CLI).
func (c *CLIClient) CreateIssue(ctx context.Context, title string, opts CreateOpts) (string, error) {
	args := buildCreateArgs(title, opts)
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return out, nil
}

// buildCreateArgs constructs the CLI arguments for issue creation.
func buildCreateArgs(title string, opts CreateOpts) []string {
	args := []string{"create", title, "--silent"}
	if opts.Description != "" {
		args = append(args, "-d", opts.Description)
	}
	args = append(args, "-p", strconv.Itoa(opts.Priority))
	for _, t := range opts.Tags {
		args = append(args, "-t", t)
	}
	return args
}

// Validate checks that the graph CLI binary is reachable.
func (c *CLIClient) Validate() error {
	cmd := exec.Command(c.BinPath, "--version")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("workgraph CLI not found at %q: %w", c.BinPath, err)
	}
	if c.Verbose {
		fmt.Fprintf(os.Stderr, "[workgraph] version: %s", string(out))
	}
	return nil
}
