package certificatestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"

	"github.com/function61/gokit/logex"
)

// GitCommitter publishes DirStore writes by committing (and optionally pushing) the repository
// working copy. no-op when nothing changed.
type GitCommitter struct {
	dir    string
	push   bool
	remote string
	logl   *logex.Leveled
}

var _ Committer = (*GitCommitter)(nil)

func NewGitCommitter(dir string, push bool, remote string, logger *log.Logger) *GitCommitter {
	if remote == "" {
		remote = "origin"
	}

	return &GitCommitter{
		dir:    dir,
		push:   push,
		remote: remote,
		logl:   logex.Levels(logger),
	}
}

func (g *GitCommitter) Commit(ctx context.Context, message string) error {
	if _, err := g.git(ctx, "add", "--all"); err != nil {
		return err
	}

	_, err := g.git(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		g.logl.Info.Println("nothing to commit")
		return nil
	}

	// exit status 1 = there are staged changes
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		return err
	}

	if _, err := g.git(ctx, "commit", "--quiet", "--message", message); err != nil {
		return err
	}

	if !g.push {
		return nil
	}

	g.logl.Info.Printf("pushing to %s", g.remote)

	_, err = g.git(ctx, "push", "--quiet", g.remote, "HEAD")
	return err
}

func (g *GitCommitter) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.dir}, args...)...)

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && args[0] == "diff" {
			return "", err
		}

		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}

	return string(output), nil
}
