package debugger

import (
	"context"
	"fmt"
	"io"
	"os/exec"

	"github.com/fnproject/fndebug/api/common"
)

// runHook runs a user shell command, output goes to out.
func runHook(ctx context.Context, name, command string, out io.Writer) error {
	if command == "" {
		return nil
	}
	log := common.Logger(ctx).WithField("hook", name)
	log.WithField("command", command).Info("running hook")

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s hook failed: %w", name, err)
	}
	return nil
}
