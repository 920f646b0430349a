package credentials

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// WithOnePassword adds an "op" template function that reads secret
// references such as op://vault/item/field with the 1Password CLI.
func WithOnePassword() Option {
	return WithProvider("op", opRead("op"))
}

func opRead(bin string) SecretProvider {
	return func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, "op://") {
			return "", fmt.Errorf("not a 1Password reference: %q", ref)
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, bin, "read", "--no-newline", ref)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read: %s: %w", strings.TrimSpace(stderr.String()), err)
		}
		return strings.TrimSpace(stdout.String()), nil
	}
}
