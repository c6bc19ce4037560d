package installer

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/italolelis/app_updater/internal/logctx"
	"github.com/italolelis/app_updater/internal/update"
)

// ErrNoInstallCommand is returned when no install command was configured.
var ErrNoInstallCommand = errors.New("no install command configured")

// ExecLauncher starts an external installer process for an artifact.
// Arguments may contain the {uri} and {mime} placeholders.
type ExecLauncher struct {
	Command []string
}

func NewExecLauncher(command []string) *ExecLauncher {
	return &ExecLauncher{Command: command}
}

// Launch starts the installer and returns without waiting for it. The exit
// status is only logged.
func (l *ExecLauncher) Launch(ctx context.Context, ref update.ContentRef) error {
	if len(l.Command) == 0 || l.Command[0] == "" {
		return ErrNoInstallCommand
	}

	args := expand(l.Command, ref)

	// The process outlives the request that triggered it.
	cmd := exec.Command(args[0], args[1:]...)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", args[0], err)
	}

	logger := logctx.LoggerFromContext(ctx).With("pid", cmd.Process.Pid, "command", args[0])
	logger.InfoContext(ctx, "installer started")

	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Warn("installer exited with error", "err", err)
		} else {
			logger.Info("installer exited")
		}
	}()

	return nil
}

func expand(command []string, ref update.ContentRef) []string {
	r := strings.NewReplacer("{uri}", ref.URI, "{mime}", ref.MimeType)

	args := make([]string, len(command))
	for i, arg := range command {
		args[i] = r.Replace(arg)
	}

	return args
}
