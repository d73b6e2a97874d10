// Package oracle runs an external generative CLI as the planner's
// decomposition oracle. Each Decompose call is one subprocess; the prompt
// goes in, the reply text comes out, and the planner does the validation.
package oracle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Backend selects how the command is invoked and how its output is read.
type Backend string

const (
	BackendClaude Backend = "claude" // claude -p <prompt> --output-format json
	BackendCodex  Backend = "codex"  // codex exec <prompt> --json, NDJSON events
	BackendExec   Backend = "exec"   // prompt on stdin, plan on stdout
)

// ParseBackend parses a backend name. Empty means no oracle.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendClaude, BackendCodex, BackendExec:
		return b, nil
	default:
		return "", fmt.Errorf("unknown oracle backend: %s", s)
	}
}

// Config configures a CommandOracle.
type Config struct {
	Backend Backend
	Command string   // Binary to run; defaults to the backend name
	Args    []string // Extra arguments appended to the backend's own
	WorkDir string
	Model   string
	Timeout time.Duration // Per-call limit (0 means the caller's deadline)
}

// CommandOracle implements planner.Oracle on top of a CLI.
type CommandOracle struct {
	cfg    Config
	procs  *ProcessManager
	logger *slog.Logger
}

// New creates a CommandOracle. procs may be nil.
func New(cfg Config, procs *ProcessManager, logger *slog.Logger) (*CommandOracle, error) {
	switch cfg.Backend {
	case BackendClaude, BackendCodex:
		if cfg.Command == "" {
			cfg.Command = string(cfg.Backend)
		}
	case BackendExec:
		if cfg.Command == "" {
			return nil, fmt.Errorf("exec oracle requires a command")
		}
	default:
		return nil, fmt.Errorf("unknown oracle backend: %q", cfg.Backend)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CommandOracle{
		cfg:    cfg,
		procs:  procs,
		logger: logger.With("component", "oracle", "backend", string(cfg.Backend)),
	}, nil
}

// Decompose sends prompt and schema to the command and returns the reply
// text. The reply is not validated here.
func (o *CommandOracle) Decompose(ctx context.Context, prompt string, schema []byte) ([]byte, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	full := buildPrompt(prompt, schema)
	cmd := newCommand(ctx, o.cfg.Command, o.buildArgs(full)...)
	cmd.Dir = o.cfg.WorkDir

	var stdin io.Reader
	if o.cfg.Backend == BackendExec {
		stdin = strings.NewReader(full)
	}

	start := time.Now()
	stdout, _, err := executeCommand(cmd, stdin, o.procs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s oracle: %w", o.cfg.Backend, ctxErr)
		}
		return nil, fmt.Errorf("%s oracle: %w", o.cfg.Backend, err)
	}

	reply, err := o.parse(stdout)
	if err != nil {
		return nil, fmt.Errorf("%s oracle: %w", o.cfg.Backend, err)
	}
	o.logger.Debug("oracle replied", "bytes", len(reply), "duration", time.Since(start))
	return reply, nil
}

// buildArgs returns the backend's arguments followed by the configured extras.
func (o *CommandOracle) buildArgs(prompt string) []string {
	var args []string
	switch o.cfg.Backend {
	case BackendClaude:
		args = []string{"-p", prompt, "--output-format", "json"}
	case BackendCodex:
		args = []string{"exec", prompt, "--json"}
	}
	if o.cfg.Model != "" && o.cfg.Backend != BackendExec {
		args = append(args, "--model", o.cfg.Model)
	}
	return append(args, o.cfg.Args...)
}

func (o *CommandOracle) parse(stdout []byte) ([]byte, error) {
	switch o.cfg.Backend {
	case BackendClaude:
		return parseClaudeResponse(stdout)
	case BackendCodex:
		return parseCodexEvents(stdout)
	default:
		return bytes.TrimSpace(stdout), nil
	}
}

func buildPrompt(prompt string, schema []byte) string {
	if len(schema) == 0 {
		return prompt
	}
	return prompt + "\n\nJSON Schema:\n" + string(schema) + "\n"
}

// claudeResponse is the JSON envelope written by `claude --output-format json`.
// Newer versions put the text directly in result; older ones nest content
// blocks.
type claudeResponse struct {
	IsError bool            `json:"is_error"`
	Result  json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func parseClaudeResponse(data []byte) ([]byte, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	var text string
	if err := json.Unmarshal(cr.Result, &text); err != nil {
		var nested claudeContent
		if err := json.Unmarshal(cr.Result, &nested); err != nil {
			return nil, fmt.Errorf("unrecognised result shape: %w", err)
		}
		var b strings.Builder
		for _, item := range nested.Content {
			if item.Type == "text" {
				b.WriteString(item.Text)
			}
		}
		text = b.String()
	}
	if cr.IsError {
		return nil, fmt.Errorf("backend reported an error: %s", text)
	}
	return []byte(stripFence(text)), nil
}

type codexEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// parseCodexEvents returns the content of the last TurnCompleted event.
func parseCodexEvents(data []byte) ([]byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var content string
	found := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var evt codexEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		if evt.Type == "TurnCompleted" {
			content = evt.Content
			found = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading events: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("no completed turn in output")
	}
	return []byte(stripFence(content)), nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
