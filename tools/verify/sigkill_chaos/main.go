//go:build ignore

// sigkill_chaos verifies hivestate's crash guarantees. It builds the CLI,
// streams changes into `hivestate track`, SIGKILLs the process and checks
// that:
//   - The database opens cleanly and passes integrity_check
//   - Every critical change tracked before the kill is committed
//   - The session can still be resumed
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/hivestate/internal/maintenance"
	"github.com/basket/hivestate/internal/persistence"
)

const criticalTasks = 5

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the hivestate binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "hivestate")

	fmt.Println("BUILD hivestate binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/hivestate")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp HIVESTATE_HOME with a long auto-save interval so only
	// critical changes reach the database before the kill.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)
	configYAML := "autosave:\n  interval_seconds: 3600\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	env := append(os.Environ(), "HIVESTATE_HOME="+home)

	out, err := hivestate(binPath, env, "create", "chaos")
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := strings.TrimSpace(out)
	fmt.Printf("CREATED session %s\n", sessionID)

	// 3. Start track and feed it critical and buffered changes.
	fmt.Println("START track...")
	track := exec.Command(binPath, "track", sessionID)
	track.Env = env
	track.Stderr = os.Stderr
	stdin, err := track.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := track.Start(); err != nil {
		return fmt.Errorf("start track: %w", err)
	}
	for i := 0; i < criticalTasks; i++ {
		if err := writeChange(stdin, "task_completed", map[string]any{"task_id": fmt.Sprintf("done-%d", i)}); err != nil {
			return err
		}
		if err := writeChange(stdin, "task_progress", map[string]any{"task_id": fmt.Sprintf("open-%d", i), "status": "running"}); err != nil {
			return err
		}
	}

	// 4. Wait until every critical change is visible, then SIGKILL.
	dbPath := filepath.Join(home, "hivestate.db")
	if err := waitCompleted(ctx, dbPath, sessionID, criticalTasks, 10*time.Second); err != nil {
		_ = track.Process.Kill()
		_ = track.Wait()
		return err
	}
	fmt.Println("SIGKILL track...")
	if err := track.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = track.Wait()
	fmt.Println("TRACK killed")

	// 5. Verify the database after the crash.
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer store.Close()

	counts, err := store.CountTasks(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	fmt.Printf("TASKS total=%d completed=%d\n", counts.Total, counts.Completed)
	if counts.Completed < criticalTasks {
		return fmt.Errorf("expected %d completed tasks after kill, got %d", criticalTasks, counts.Completed)
	}

	report, err := maintenance.New(store).CheckIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_OK=%t violations=%d\n", report.OK, len(report.Violations))
	for _, v := range report.Violations {
		if v.Kind == maintenance.ViolationCorruption || v.Kind == maintenance.ViolationForeignKey {
			return fmt.Errorf("integrity violation after kill: %s %s", v.Kind, v.Detail)
		}
	}
	store.Close()

	// 6. The session must still resume.
	if _, err := hivestate(binPath, env, "resume", sessionID); err != nil {
		return fmt.Errorf("resume after kill: %w", err)
	}
	fmt.Println("RESUMED after kill")

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func hivestate(bin string, env []string, args ...string) (string, error) {
	cmd := exec.Command(bin, args...)
	cmd.Env = env
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w: %s", strings.Join(args, " "), err, errOut.String())
	}
	return out.String(), nil
}

func writeChange(w io.Writer, changeType string, data any) error {
	line, err := json.Marshal(map[string]any{"type": changeType, "data": data})
	if err != nil {
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write change: %w", err)
	}
	return nil
}

func waitCompleted(ctx context.Context, dbPath, sessionID string, want int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		store, err := persistence.OpenExisting(dbPath, nil)
		if err == nil {
			counts, cerr := store.CountTasks(ctx, sessionID)
			store.Close()
			if cerr == nil && counts.Completed >= want {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("%d completed tasks not visible after %v", want, timeout)
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}
