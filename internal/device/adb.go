package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultADBPath is used when no adb executable is configured.
const DefaultADBPath = "adb"

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return out, fmt.Errorf("%w: %s %s: %s", ErrCommandFailed, name, strings.Join(args, " "), msg)
	}
	return out, nil
}

// ADB is a Bridge that shells out to the adb binary.
type ADB struct {
	path   string
	serial string
	runner Runner
}

// NewADB returns a bridge talking to the device with the given serial.
// An empty serial lets adb pick the only attached device.
func NewADB(path, serial string) *ADB {
	if path == "" {
		path = DefaultADBPath
	}
	return &ADB{path: path, serial: serial, runner: execRunner{}}
}

// Serial returns the device serial this bridge targets.
func (a *ADB) Serial() string {
	return a.serial
}

func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	full := make([]string, 0, len(args)+2)
	if a.serial != "" {
		full = append(full, "-s", a.serial)
	}
	full = append(full, args...)
	out, err := a.runner.Run(ctx, a.path, full...)
	return string(out), err
}

func (a *ADB) shell(ctx context.Context, args ...string) (string, error) {
	return a.run(ctx, append([]string{"shell"}, args...)...)
}

// ListOpenUnixSockets returns the raw contents of /proc/net/unix.
func (a *ADB) ListOpenUnixSockets(ctx context.Context) (string, error) {
	out, err := a.shell(ctx, "cat", "/proc/net/unix")
	if err != nil {
		return "", fmt.Errorf("read unix socket table: %w", err)
	}
	return out, nil
}

// ResolveProcessName looks pid up in the device process list.
func (a *ADB) ResolveProcessName(ctx context.Context, pid int) (string, error) {
	out, err := a.shell(ctx, "ps", "-A", "-o", "PID,NAME")
	if err != nil || !strings.Contains(out, "PID") {
		// Pre-toybox devices reject -A/-o; plain ps lists everything.
		out, err = a.shell(ctx, "ps")
		if err != nil {
			return "", fmt.Errorf("list processes: %w", err)
		}
	}
	return parseProcessName(out, pid)
}

// parseProcessName finds pid in ps output. The PID column is located via the
// header; the process name is always the last column.
func parseProcessName(out string, pid int) (string, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
	}

	pidCol := -1
	for i, h := range strings.Fields(lines[0]) {
		if h == "PID" {
			pidCol = i
			break
		}
	}
	if pidCol < 0 {
		return "", fmt.Errorf("unexpected ps output: no PID column")
	}

	want := strconv.Itoa(pid)
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) <= pidCol {
			continue
		}
		if fields[pidCol] == want {
			return fields[len(fields)-1], nil
		}
	}
	return "", fmt.Errorf("%w: pid %d", ErrProcessNotFound, pid)
}

// Forward relays localhost:localPort to the abstract socket remoteSocket.
func (a *ADB) Forward(ctx context.Context, localPort int, remoteSocket string) error {
	_, err := a.run(ctx, "forward", fmt.Sprintf("tcp:%d", localPort), "localabstract:"+remoteSocket)
	if err != nil {
		return fmt.Errorf("forward tcp:%d -> %s: %w", localPort, remoteSocket, err)
	}
	return nil
}

// RemoveForward drops a forward created by Forward.
func (a *ADB) RemoveForward(ctx context.Context, localPort int) error {
	_, err := a.run(ctx, "forward", "--remove", fmt.Sprintf("tcp:%d", localPort))
	if err != nil {
		return fmt.Errorf("remove forward tcp:%d: %w", localPort, err)
	}
	return nil
}

// PackageRunState reports the run state of pkg.
func (a *ADB) PackageRunState(ctx context.Context, pkg string) (RunState, error) {
	// pm exits non-zero for unknown packages, so only the output matters.
	out, _ := a.shell(ctx, "pm", "path", pkg)
	if !strings.Contains(out, "package:") {
		return NotInstalled, nil
	}

	out, _ = a.shell(ctx, "pidof", pkg)
	if strings.TrimSpace(out) == "" {
		return NotRunning, nil
	}

	out, err := a.shell(ctx, "dumpsys", "activity", "activities")
	if err != nil {
		return Background, fmt.Errorf("query resumed activity: %w", err)
	}
	if isResumed(out, pkg) {
		return Foreground, nil
	}
	return Background, nil
}

func isResumed(dumpsys, pkg string) bool {
	for _, line := range strings.Split(dumpsys, "\n") {
		if !strings.Contains(line, "ResumedActivity") {
			continue
		}
		if strings.Contains(line, " "+pkg+"/") {
			return true
		}
	}
	return false
}
