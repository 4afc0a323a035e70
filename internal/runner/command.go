package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/workmesh/workmesh/internal/model"
)

// CommandRunnable builds a runnable that executes argv in the work's
// execution context. Stdout lines are appended to the work's log subtree as
// they are produced; the result carries the exit code and captured output.
// Call args may extend the command line through an "args" list.
func CommandRunnable(argv []string) RunFunc {
	return func(ctx context.Context, call *Call) (model.Result, error) {
		if len(argv) == 0 {
			return nil, fmt.Errorf("no command configured for work %q", call.WorkName)
		}

		full := append([]string(nil), argv...)
		if extra, ok := call.Args["args"].([]any); ok {
			for _, e := range extra {
				full = append(full, fmt.Sprint(e))
			}
		}

		cmd := exec.CommandContext(ctx, full[0], full[1:]...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("open stdout pipe: %w", err)
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start command %q: %w", full[0], err)
		}

		var output bytes.Buffer
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			output.WriteString(line)
			output.WriteByte('\n')
			_ = call.Log(line)
		}

		err = cmd.Wait()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			err = nil
		}
		if err != nil {
			return nil, fmt.Errorf("run command %q: %w", full[0], err)
		}

		return model.Result{
			"exit_code": exitCode,
			"stdout":    output.String(),
			"stderr":    stderr.String(),
		}, nil
	}
}
