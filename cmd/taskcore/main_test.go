package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/aristath/taskcore/internal/config"
)

// testEnv is an isolated workspace: config, database and keys all live in a
// temp dir.
type testEnv struct {
	dir     string
	config  string
	keyFile string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:     dir,
		config:  filepath.Join(dir, "config.json"),
		keyFile: filepath.Join(dir, "keys", "signing.key"),
	}
	cfg := map[string]any{
		"executor": map[string]any{"workers": 2, "verify_level": "BASIC"},
		"planner":  map[string]any{"strategy": "rule_based"},
		"audit": map[string]any{
			"db_path":          filepath.Join(dir, "audit.db"),
			"signing_key_file": env.keyFile,
		},
		"logging": map[string]any{"level": "error"},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(env.config, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

// newSignedEnv is a testEnv with a signing key, as after `taskcore keygen`.
func newSignedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	if _, err := env.exec(t, "keygen"); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	return env
}

// exec runs the CLI with args and returns stdout.
func (e *testEnv) exec(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd(viper.New())
	root.SetArgs(append([]string{
		"--config", e.config,
		"--global-config", filepath.Join(e.dir, "missing.json"),
	}, args...))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	err := root.ExecuteContext(context.Background())
	if err != nil {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), err
}

func TestRun_JSONReport(t *testing.T) {
	env := newSignedEnv(t)

	out, err := env.exec(t, "run", "--json", "--id", "req-1", "fetch A, fetch B, merge, export PDF")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}

	var rep jsonReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decoding report: %v\n%s", err, out)
	}
	if rep.RequestID != "req-1" {
		t.Errorf("RequestID = %q, want req-1", rep.RequestID)
	}
	if rep.Strategy != "rule_based" {
		t.Errorf("Strategy = %q, want rule_based", rep.Strategy)
	}
	if rep.Status != "COMPLETED" {
		t.Fatalf("Status = %q, want COMPLETED", rep.Status)
	}
	if len(rep.Tasks) != 4 {
		t.Fatalf("got %d tasks, want 4", len(rep.Tasks))
	}
	// Tasks are listed in execution order, so the merge follows both fetches.
	if rep.Tasks[2].Capability != "merge" || rep.Tasks[3].Capability != "export" {
		t.Errorf("task order = %+v", rep.Tasks)
	}
	for _, task := range rep.Tasks {
		if task.Status != "COMPLETED" || task.AuditSequence == 0 || task.DecisionID == "" {
			t.Errorf("task %s = %+v, want completed with audit and decision", task.ID, task)
		}
	}
	if rep.Audit.Entries != 4 || rep.Audit.Decisions != 4 {
		t.Errorf("audit = %+v, want 4 entries and 4 decisions", rep.Audit)
	}
	if rep.Audit.CheckpointRoot == "" {
		t.Error("no checkpoint root in report")
	}
}

func TestRun_RequiresSigningKey(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.exec(t, "run", "fetch A")
	if err == nil {
		t.Fatal("run without a signing key succeeded")
	}
	if !errors.Is(err, errNoSigningKey) || !strings.Contains(err.Error(), "taskcore keygen") {
		t.Errorf("error = %v, want a pointer to taskcore keygen", err)
	}
	if _, err := os.Stat(env.keyFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("run created a signing key (stat error = %v)", err)
	}
}

func TestRun_TextReport(t *testing.T) {
	env := newSignedEnv(t)

	out, err := env.exec(t, "run", "fetch A then respond done")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	for _, want := range []string{"request", "rule_based", "COMPLETED", "fetch", "respond", "merkle"} {
		if !strings.Contains(out, want) {
			t.Errorf("text report missing %q:\n%s", want, out)
		}
	}
}

func TestRun_InvalidStrategy(t *testing.T) {
	env := newSignedEnv(t)
	if _, err := env.exec(t, "run", "--strategy", "guess", "fetch A"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestVerify_AfterRuns(t *testing.T) {
	env := newSignedEnv(t)
	for _, id := range []string{"req-1", "req-2"} {
		if _, err := env.exec(t, "run", "--id", id, "fetch A, merge"); err != nil {
			t.Fatalf("run %s error = %v", id, err)
		}
	}

	out, err := env.exec(t, "verify", "--json")
	if err != nil {
		t.Fatalf("verify error = %v\n%s", err, out)
	}
	var rep verifyReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decoding verify report: %v\n%s", err, out)
	}
	if !rep.OK {
		t.Fatalf("verify report not OK: %+v", rep)
	}
	if len(rep.Streams) != 2 {
		t.Fatalf("verified %d streams, want execution and planning", len(rep.Streams))
	}
	exec := rep.Streams[0]
	if exec.Stream != "execution" || exec.Entries != 4 || exec.Checkpoints == 0 {
		t.Errorf("execution stream = %+v, want 4 entries and a checkpoint", exec)
	}
	if rep.Streams[1].Entries == 0 {
		t.Errorf("planning stream is empty: %+v", rep.Streams[1])
	}
	if len(rep.Lanes) == 0 {
		t.Error("no decision lanes verified")
	}
}

func TestVerify_UntrustedSigner(t *testing.T) {
	env := newSignedEnv(t)
	if _, err := env.exec(t, "run", "fetch A"); err != nil {
		t.Fatalf("run error = %v", err)
	}

	other := filepath.Join(env.dir, "other.key")
	if _, err := env.exec(t, "keygen", "--key-file", other); err != nil {
		t.Fatalf("keygen error = %v", err)
	}

	out, err := env.exec(t, "verify", "--json", "--key-file", other)
	if err == nil {
		t.Fatal("verify with an untrusted key succeeded")
	}
	var rep verifyReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decoding verify report: %v\n%s", err, out)
	}
	if rep.OK {
		t.Fatal("report OK with an untrusted signer")
	}
	for _, s := range rep.Streams {
		if s.Error != "" {
			t.Errorf("stream %s failed, only lanes should: %s", s.Stream, s.Error)
		}
	}
	for _, l := range rep.Lanes {
		if l.Error == "" {
			t.Errorf("lane %s verified with an untrusted key", l.Lane)
		}
	}
}

func TestExport_JSONLines(t *testing.T) {
	env := newSignedEnv(t)
	if _, err := env.exec(t, "run", "fetch A, fetch B, merge"); err != nil {
		t.Fatalf("run error = %v", err)
	}

	path := filepath.Join(env.dir, "export.jsonl")
	if _, err := env.exec(t, "export", "-o", path); err != nil {
		t.Fatalf("export error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	kinds := map[string]int{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var line struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("invalid line %q: %v", sc.Text(), err)
		}
		kinds[line.Kind]++
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if kinds["entry"] != 3 {
		t.Errorf("exported %d entries, want 3", kinds["entry"])
	}
	if kinds["checkpoint"] == 0 || kinds["decision"] < 3 {
		t.Errorf("export kinds = %v, want checkpoints and at least 3 decisions", kinds)
	}
}

func TestKeygen_RefusesOverwrite(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.exec(t, "keygen")
	if err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	if !strings.Contains(out, env.keyFile) {
		t.Errorf("keygen output does not name the key file:\n%s", out)
	}
	before, err := os.ReadFile(env.keyFile)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.exec(t, "keygen"); err == nil {
		t.Fatal("second keygen overwrote the key")
	}
	after, err := os.ReadFile(env.keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("key file changed")
	}
}

func TestRequestText(t *testing.T) {
	tests := []struct {
		name    string
		stdin   string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "joined args", args: []string{"fetch", "A,", "merge"}, want: "fetch A, merge"},
		{name: "stdin", stdin: "  fetch A\n", args: []string{"-"}, want: "fetch A"},
		{name: "empty stdin", stdin: " \n", args: []string{"-"}, wantErr: true},
		{name: "blank arg", args: []string{"  "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := requestText(strings.NewReader(tt.stdin), tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("requestText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("requestText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigInit(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.exec(t, "config", "init"); err == nil {
		t.Fatal("config init replaced an existing file without --force")
	}

	out, err := env.exec(t, "config", "init", "--force", "--log-level", "debug")
	if err != nil {
		t.Fatalf("config init --force error = %v", err)
	}
	if !strings.Contains(out, env.config) {
		t.Errorf("output does not name the config file:\n%s", out)
	}

	cfg, err := config.Load("", env.config)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Executor.Workers != 2 || cfg.Executor.VerifyLevel != "BASIC" {
		t.Errorf("executor = %+v, want the settings of the previous file", cfg.Executor)
	}
	if cfg.Audit.SigningKeyFile != env.keyFile {
		t.Errorf("signing_key_file = %q, want %q", cfg.Audit.SigningKeyFile, env.keyFile)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want the flag override", cfg.Logging.Level)
	}

	global := filepath.Join(env.dir, "missing.json")
	if _, err := env.exec(t, "config", "init", "--global"); err != nil {
		t.Fatalf("config init --global error = %v", err)
	}
	if _, err := config.Load(global, ""); err != nil {
		t.Errorf("global config unreadable: %v", err)
	}
}
