package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bryan-buckman/digestdesk/internal/apperr"
)

// WorkflowsDir is where GitHub looks for workflow files.
const WorkflowsDir = ".github/workflows"

// Schedule is the cron entry of a workflow file. Cron times are UTC.
type Schedule struct {
	Cron    string `json:"cron"`
	Version string `json:"-"`
}

var errNoSchedule = errors.New("workflow has no schedule")

// cronNode finds the first on.schedule[].cron scalar of a workflow file.
func cronNode(content []byte) (*yaml.Node, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errNoSchedule
	}
	on := mapValue(root.Content[0], "on")
	sched := mapValue(on, "schedule")
	if sched == nil || sched.Kind != yaml.SequenceNode {
		return nil, errNoSchedule
	}
	for _, item := range sched.Content {
		if n := mapValue(item, "cron"); n != nil && n.Kind == yaml.ScalarNode {
			return n, nil
		}
	}
	return nil, errNoSchedule
}

func mapValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// Schedule reads the cron entry of job's workflow file.
func (c *Client) Schedule(ctx context.Context, job Job) (*Schedule, error) {
	path := WorkflowsDir + "/" + c.files[job]
	doc, err := c.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.Invalid("job", "workflow file "+path+" not found")
	}
	n, err := cronNode(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Schedule{Cron: n.Value, Version: doc.Version}, nil
}

// SetSchedule replaces the cron entry of job's workflow file in place,
// leaving the rest of the file untouched. version is the file version the
// caller read; a stale one fails with a conflict.
func (c *Client) SetSchedule(ctx context.Context, job Job, cron, version string) (*Schedule, error) {
	cron = strings.Join(strings.Fields(cron), " ")
	if err := ValidateCron(cron); err != nil {
		return nil, err
	}
	path := WorkflowsDir + "/" + c.files[job]
	doc, err := c.store.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, apperr.Invalid("job", "workflow file "+path+" not found")
	}
	if version == "" {
		version = doc.Version
	}
	n, err := cronNode(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	lines := strings.SplitAfter(string(doc.Content), "\n")
	if n.Line < 1 || n.Line > len(lines) {
		return nil, fmt.Errorf("%s: cron entry out of range", path)
	}
	line := lines[n.Line-1]
	start := n.Column - 1
	end := scalarEnd(line, start)
	if start < 0 || end < 0 {
		return nil, fmt.Errorf("%s: cron entry out of range", path)
	}
	lines[n.Line-1] = line[:start] + "'" + cron + "'" + line[end:]
	content := []byte(strings.Join(lines, ""))

	v, err := c.store.Write(ctx, path, content, version, "Update cron schedule to "+cron)
	if err != nil {
		return nil, err
	}
	c.logger.Info("updated schedule", "job", job, "cron", cron)
	return &Schedule{Cron: cron, Version: v}, nil
}

// scalarEnd returns the offset just past the flow scalar starting at start,
// or -1.
func scalarEnd(line string, start int) int {
	if start < 0 || start >= len(line) {
		return -1
	}
	if q := line[start]; q == '\'' || q == '"' {
		i := strings.IndexByte(line[start+1:], q)
		if i < 0 {
			return -1
		}
		return start + 1 + i + 1
	}
	rest := line[start:]
	if i := strings.Index(rest, " #"); i >= 0 {
		rest = rest[:i]
	}
	return start + len(strings.TrimRight(rest, " \t\r\n"))
}

// ValidateCron checks that s has five fields made of cron characters.
func ValidateCron(s string) error {
	fields := strings.Fields(s)
	if len(fields) != 5 {
		return apperr.Invalid("cron", "must have five fields")
	}
	for _, f := range fields {
		if strings.Trim(f, "0123456789*/,-") != "" {
			return apperr.Invalid("cron", "invalid field "+f)
		}
	}
	return nil
}
