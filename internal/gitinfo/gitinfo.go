// gitinfo.go reads branch metadata from local checkouts for package discovery.
package gitinfo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Branches describes the branch state of one checkout.
type Branches struct {
	TopLevel string
	Current  string
	Default  string
}

// Read returns the branch state of the repository containing dir. Default is
// taken from origin/HEAD and is empty when the remote head is not set locally.
func Read(ctx context.Context, dir string) (Branches, error) {
	top, err := git(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return Branches{}, err
	}
	current, err := git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Branches{}, err
	}
	if current == "HEAD" {
		current = ""
	}
	b := Branches{TopLevel: top, Current: current}
	if ref, err := git(ctx, dir, "symbolic-ref", "--quiet", "refs/remotes/origin/HEAD"); err == nil {
		b.Default = strings.TrimPrefix(ref, "refs/remotes/origin/")
	}
	return b, nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}
