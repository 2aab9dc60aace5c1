package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/client"

	"github.com/probelab/crucible/internal/gateway"
	"github.com/probelab/crucible/internal/pricing"
)

// DockerExecutor runs each data item in a container of the experiment's
// agent image. The image contract: read the prompt from /case/prompt.md,
// write the final answer to /case/output.md and the step log to
// /case/trajectory.jsonl, exit 0 on success.
type DockerExecutor struct {
	WorkBase    string
	CPULimit    float64
	MemoryLimit int64

	// GatewayURL points the agent at the LLM proxy, when one is running.
	GatewayURL string

	// Command overrides the image entrypoint. Normally empty: agent
	// images declare their own.
	Command []string

	// UsageLog is the gateway's JSONL usage log; token counts for a case
	// are whatever the proxy recorded while the case ran.
	UsageLog string
	Pricing  *pricing.Table

	mu          sync.Mutex
	usageOffset int64
}

func (e *DockerExecutor) Execute(ctx context.Context, in *Input) (*Result, error) {
	caseDir, err := e.prepareCaseDir(in)
	if err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	defer cli.Close()

	// Rewrite localhost so the container can reach a gateway on the host.
	gatewayURL := strings.Replace(e.GatewayURL, "localhost", "host.docker.internal", 1)
	env := []string{
		"PROMPT_FILE=/case/prompt.md",
		"OUTPUT_FILE=/case/output.md",
		"TRAJECTORY_FILE=/case/trajectory.jsonl",
		"GATEWAY_URL=" + gatewayURL,
	}

	initTrue := true
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: caseDir, Target: "/case"},
		},
		Init:       &initTrue,
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if e.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(e.CPULimit * 1e9)
	}
	if e.MemoryLimit > 0 {
		hostCfg.Memory = e.MemoryLimit
	}

	createResp, err := cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config: &container.Config{
			Image:  in.AgentImage,
			Cmd:    e.Command,
			Env:    env,
			Labels: map[string]string{"crucible": "true"},
		},
		HostConfig: hostCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	containerID := createResp.ID
	defer func() {
		cli.ContainerRemove(context.Background(), containerID, client.ContainerRemoveOptions{Force: true})
	}()

	start := time.Now()
	if _, err := cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	exitCode, err := waitForExit(ctx, cli, containerID)
	duration := time.Since(start)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		logs := tailLogs(cli, containerID)
		return nil, fmt.Errorf("agent exited with code %d: %s", exitCode, logs)
	}

	res := &Result{Duration: duration}
	if data, err := os.ReadFile(filepath.Join(caseDir, "output.md")); err == nil {
		res.Output = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(caseDir, "trajectory.jsonl")); err == nil {
		res.Trajectory = string(data)
	}
	if res.Output == "" && res.Trajectory == "" {
		return nil, fmt.Errorf("agent produced no output for item %s", in.DataItemID)
	}

	e.attachUsage(res)
	return res, nil
}

func (e *DockerExecutor) prepareCaseDir(in *Input) (string, error) {
	caseDir := filepath.Join(e.WorkBase, in.ExperimentID,
		fmt.Sprintf("%s-attempt-%d", in.DataItemID, in.Attempt))
	caseDir, err := filepath.Abs(caseDir)
	if err != nil {
		return "", fmt.Errorf("resolving case dir: %w", err)
	}
	if err := os.MkdirAll(caseDir, 0o755); err != nil {
		return "", fmt.Errorf("creating case dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(caseDir, "prompt.md"), []byte(in.Prompt), 0o644); err != nil {
		return "", fmt.Errorf("writing prompt: %w", err)
	}
	return caseDir, nil
}

// attachUsage reads the tail of the gateway usage log written since the
// previous case and charges it to this result.
func (e *DockerExecutor) attachUsage(res *Result) {
	if e.UsageLog == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	records, offset, err := gateway.ParseUsageLogsFrom(e.UsageLog, e.usageOffset)
	if err != nil {
		return
	}
	e.usageOffset = offset
	res.TokensInput, res.TokensOutput = gateway.TotalUsage(records)
	if e.Pricing != nil {
		for _, r := range records {
			res.CostUSD += e.Pricing.Cost(r.Provider, r.Model, r.InputTokens, r.OutputTokens)
		}
	}
}

func waitForExit(ctx context.Context, cli *client.Client, containerID string) (int, error) {
	waitResult := cli.ContainerWait(ctx, containerID, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	for {
		select {
		case err := <-waitResult.Error:
			if err != nil {
				cli.ContainerKill(context.Background(), containerID, client.ContainerKillOptions{Signal: "SIGKILL"})
				return 0, fmt.Errorf("agent execution timed out: %w", err)
			}
			// nil means nothing on this channel yet; keep waiting
		case status := <-waitResult.Result:
			return int(status.StatusCode), nil
		}
	}
}

func tailLogs(cli *client.Client, containerID string) string {
	logReader, err := cli.ContainerLogs(context.Background(), containerID, client.ContainerLogsOptions{
		ShowStdout: true, ShowStderr: true, Tail: "20",
	})
	if err != nil {
		return ""
	}
	defer logReader.Close()
	data, _ := io.ReadAll(logReader)
	if len(data) > 2048 {
		data = data[len(data)-2048:]
	}
	return strings.TrimSpace(string(data))
}
