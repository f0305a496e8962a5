package daemon

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	cronlock "git.home.luguber.info/inful/cronlock"
)

// maxResultBytes caps the command output stored in the history record.
const maxResultBytes = 4096

// commandJob wraps a shell command as a job body. The command runs under
// "sh -c" and its combined output becomes the recorded result, truncated to
// maxResultBytes.
func commandJob(command string) cronlock.JobFunc {
	return func(ctx context.Context, _ time.Time) (any, error) {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		out, err := cmd.CombinedOutput()
		result := truncateOutput(out)
		if err != nil {
			if len(result) > 0 {
				return nil, fmt.Errorf("%w: %s", err, result)
			}
			return nil, err
		}
		return result, nil
	}
}

func truncateOutput(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxResultBytes {
		return s[:maxResultBytes]
	}
	return s
}
