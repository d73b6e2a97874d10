package oracle

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", "", false},
		{"claude", BackendClaude, false},
		{" Codex ", BackendCodex, false},
		{"EXEC", BackendExec, false},
		{"goose", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Backend: BackendExec}, nil, nil); err == nil {
		t.Error("exec backend without command should fail")
	}
	if _, err := New(Config{Backend: "goose"}, nil, nil); err == nil {
		t.Error("unknown backend should fail")
	}

	o, err := New(Config{Backend: BackendClaude}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.cfg.Command != "claude" {
		t.Errorf("command = %q, want backend name", o.cfg.Command)
	}
}

func TestBuildArgs(t *testing.T) {
	o := &CommandOracle{cfg: Config{Backend: BackendClaude, Model: "opus", Args: []string{"--verbose"}}}
	got := strings.Join(o.buildArgs("plan this"), " ")
	want := "-p plan this --output-format json --model opus --verbose"
	if got != want {
		t.Errorf("claude args = %q, want %q", got, want)
	}

	o = &CommandOracle{cfg: Config{Backend: BackendCodex}}
	got = strings.Join(o.buildArgs("plan this"), " ")
	if got != "exec plan this --json" {
		t.Errorf("codex args = %q", got)
	}

	o = &CommandOracle{cfg: Config{Backend: BackendExec, Model: "ignored", Args: []string{"-c", "cat"}}}
	got = strings.Join(o.buildArgs("plan this"), " ")
	if got != "-c cat" {
		t.Errorf("exec args = %q, want only the configured extras", got)
	}
}

func TestParseClaudeResponse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "string result",
			in:   `{"type":"result","is_error":false,"result":"{\"confidence\":0.9,\"tasks\":[]}"}`,
			want: `{"confidence":0.9,"tasks":[]}`,
		},
		{
			name: "fenced result",
			in:   `{"result":"` + "```json\\n{\\\"a\\\":1}\\n```" + `"}`,
			want: `{"a":1}`,
		},
		{
			name: "content blocks",
			in:   `{"result":{"content":[{"type":"text","text":"{\"a\":"},{"type":"tool_use"},{"type":"text","text":"1}"}]}}`,
			want: `{"a":1}`,
		},
		{
			name:    "error flag",
			in:      `{"is_error":true,"result":"rate limited"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			in:      `oops`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseClaudeResponse([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCodexEvents(t *testing.T) {
	out := strings.Join([]string{
		`{"type":"ThreadStarted","thread_id":"th-1"}`,
		``,
		`{"type":"TurnCompleted","content":"draft"}`,
		`{"type":"TurnCompleted","content":"{\"tasks\":[]}"}`,
	}, "\n")

	got, err := parseCodexEvents([]byte(out))
	if err != nil {
		t.Fatalf("parseCodexEvents: %v", err)
	}
	if string(got) != `{"tasks":[]}` {
		t.Errorf("got %q, want last turn", got)
	}

	if _, err := parseCodexEvents([]byte(`{"type":"ThreadStarted"}`)); err == nil {
		t.Error("expected error when no turn completed")
	}
	if _, err := parseCodexEvents([]byte(`not json`)); err == nil {
		t.Error("expected error on malformed event")
	}
}

func TestDecompose_ExecReadsPromptFromStdin(t *testing.T) {
	requireShell(t)

	// Echo the first stdin line back inside a JSON string.
	o, err := New(Config{
		Backend: BackendExec,
		Command: "sh",
		Args:    []string{"-c", `read -r line; printf '{"prompt":"%s"}\n' "$line"`},
	}, NewProcessManager(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := o.Decompose(context.Background(), "split the work", []byte(`{"type":"object"}`))
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if string(got) != `{"prompt":"split the work"}` {
		t.Errorf("got %q", got)
	}
}

func TestDecompose_CommandFailureIncludesStderr(t *testing.T) {
	requireShell(t)

	o, err := New(Config{
		Backend: BackendExec,
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = o.Decompose(context.Background(), "x", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q should carry stderr", err)
	}
}

func TestDecompose_TimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)

	pm := NewProcessManager()
	o, err := New(Config{
		Backend: BackendExec,
		Command: "sh",
		Args:    []string{"-c", "sleep 5 & sleep 5; wait"},
		Timeout: 100 * time.Millisecond,
	}, pm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	_, err = o.Decompose(context.Background(), "x", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Decompose took %v, child group was not killed", elapsed)
	}
	if pm.Count() != 0 {
		t.Errorf("process manager still tracks %d processes", pm.Count())
	}
}

func TestExecuteCommand_LargeOutput(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 256KB is well above the pipe buffer.
	cmd := newCommand(ctx, "sh", "-c", "head -c 262144 /dev/zero | tr '\\0' 'x'")
	stdout, _, err := executeCommand(cmd, nil, nil)
	if err != nil {
		t.Fatalf("executeCommand: %v", err)
	}
	if len(stdout) != 262144 {
		t.Errorf("read %d bytes, want 262144", len(stdout))
	}
}

func TestProcessManager_NilSafe(t *testing.T) {
	var pm *ProcessManager
	cmd := exec.Command("true")
	pm.Track(cmd)
	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Error("nil manager should count zero")
	}
	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll on nil: %v", err)
	}
}

func TestProcessManager_KillAll(t *testing.T) {
	requireShell(t)

	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "sh", "-c", "sleep 10")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Fatalf("count = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process survived KillAll")
	}
	pm.Untrack(cmd)
}
