package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Gateway is a LiteLLM proxy started for the duration of a run. The
// agent containers and the scoring client both talk to it, so every
// model call lands in one usage log.
type Gateway struct {
	Port    int
	LogDir  string
	cmd     *exec.Cmd
	logFile *os.File
}

type StartOpts struct {
	SecretsEnvFile string
	LogDir         string
}

func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port, nil
}

func (g *Gateway) URL() string {
	return fmt.Sprintf("http://localhost:%d", g.Port)
}

// UsageLog is the JSONL file the proxy writes one record per model call
// into.
func (g *Gateway) UsageLog() string {
	return filepath.Join(g.LogDir, fmt.Sprintf("usage-%d.jsonl", g.Port))
}

func Start(ctx context.Context, opts *StartOpts) (*Gateway, error) {
	port, err := FindFreePort()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	logPath := filepath.Join(opts.LogDir, fmt.Sprintf("litellm-%d.log", port))
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}

	cmd := exec.CommandContext(ctx, "litellm", "--port", fmt.Sprintf("%d", port))
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	cmd.Env = os.Environ()
	if opts.SecretsEnvFile != "" {
		envVars, err := ParseEnvFile(opts.SecretsEnvFile)
		if err != nil {
			logFile.Close()
			return nil, fmt.Errorf("reading secrets env file: %w", err)
		}
		for k, v := range envVars {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting litellm: %w", err)
	}

	if err := waitForPort(port, 30*time.Second); err != nil {
		cmd.Process.Kill()
		logFile.Close()
		return nil, fmt.Errorf("litellm did not start: %w", err)
	}

	return &Gateway{Port: port, LogDir: opts.LogDir, cmd: cmd, logFile: logFile}, nil
}

func (g *Gateway) Stop() error {
	if g.cmd != nil && g.cmd.Process != nil {
		g.cmd.Process.Kill()
		g.cmd.Wait()
	}
	if g.logFile != nil {
		g.logFile.Close()
	}
	return nil
}

type UsageRecord struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// ParseUsageLogs reads every usage record in the log. Non-JSON lines
// (proxy startup noise) are skipped.
func ParseUsageLogs(logPath string) ([]UsageRecord, error) {
	records, _, err := ParseUsageLogsFrom(logPath, 0)
	return records, err
}

// ParseUsageLogsFrom reads usage records starting at a byte offset and
// returns the new offset, so successive cases are each charged only the
// calls made on their watch. A missing file yields no records.
func ParseUsageLogsFrom(logPath string, offset int64) ([]UsageRecord, int64, error) {
	data, err := os.ReadFile(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("reading gateway log: %w", err)
	}
	if offset > int64(len(data)) {
		offset = 0
	}
	tail := data[offset:]

	var records []UsageRecord
	for _, line := range strings.Split(string(tail), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec UsageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Model != "" {
			records = append(records, rec)
		}
	}
	return records, int64(len(data)), nil
}

func TotalUsage(records []UsageRecord) (inputTokens, outputTokens int) {
	for _, r := range records {
		inputTokens += r.InputTokens
		outputTokens += r.OutputTokens
	}
	return
}

func waitForPort(port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("port %d not ready after %s", port, timeout)
}

// ParseEnvFile reads KEY=VALUE lines, ignoring comments and blank
// lines. "export " prefixes and surrounding quotes are stripped.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	envVars := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eqIdx := strings.IndexByte(s, '=')
		if eqIdx < 0 {
			continue
		}
		envVars[s[:eqIdx]] = stripQuotes(s[eqIdx+1:])
	}
	return envVars, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
