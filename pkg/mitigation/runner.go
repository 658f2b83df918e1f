package mitigation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
)

// Runner starts a mitigation action for a hijack event.
type Runner interface {
	Run(ctx context.Context, action string, event []byte) error
}

// ScriptRunner executes the action as a program invoked as
// "<action> -i <event-json>". Run returns once the program started; its
// exit status and stderr are logged when it finishes.
type ScriptRunner struct {
	Log *slog.Logger
}

func (r ScriptRunner) Run(ctx context.Context, action string, event []byte) error {
	path, err := exec.LookPath(action)
	if err != nil {
		return fmt.Errorf("mitigation script: %w", err)
	}
	cmd := exec.Command(path, "-i", string(event))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start mitigation script: %w", err)
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			r.Log.Error("mitigation: script failed", "script", action, "error", err, "stderr", stderr.String())
			return
		}
		r.Log.Info("mitigation: script finished", "script", action)
	}()
	return nil
}
