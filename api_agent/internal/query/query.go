// Package query runs ad-hoc osquery statements on the device.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DefaultBinary is the osquery shell looked up on PATH.
const DefaultBinary = "osqueryi"

// ErrEmptyQuery is returned for blank statements.
var ErrEmptyQuery = errors.New("query is empty")

// Runner executes a query and returns its rows as JSON objects.
type Runner interface {
	Run(ctx context.Context, query string) ([]json.RawMessage, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, query string) ([]json.RawMessage, error)

func (f RunnerFunc) Run(ctx context.Context, query string) ([]json.RawMessage, error) {
	return f(ctx, query)
}

// OSQuery shells out to osqueryi in JSON mode.
type OSQuery struct {
	Binary string
}

// NewOSQuery returns a runner for binary, or DefaultBinary when empty.
func NewOSQuery(binary string) *OSQuery {
	if binary == "" {
		binary = DefaultBinary
	}
	return &OSQuery{Binary: binary}
}

func (o *OSQuery) Run(ctx context.Context, query string) ([]json.RawMessage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.Binary, "--json", query)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %s", o.Binary, msg)
		}
		return nil, fmt.Errorf("%s: %w", o.Binary, err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rows); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", o.Binary, err)
	}
	return rows, nil
}
