package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/izzyreal/buildmaster/internal/protocol"
)

// checkout runs the programs of one source checkout in order and stops at
// the first non-zero exit code.
type checkout struct {
	ctx     context.Context
	up      *Updates
	timeout time.Duration
	rc      int
}

func (c *checkout) run(dir string, argv ...string) bool {
	return c.runCapture(dir, nil, argv...)
}

func (c *checkout) runCapture(dir string, capture *bytes.Buffer, argv ...string) bool {
	if c.rc != 0 {
		return false
	}
	rc, err := run(c.ctx, process{argv: argv, dir: dir, timeout: c.timeout, capture: capture, quiet: capture != nil}, c.up)
	if err != nil {
		c.rc = -1
		return false
	}
	c.rc = rc
	return rc == 0
}

// sourceDir is where copy and export modes keep the pristine checkout.
func sourceDir(dir string) string {
	return dir + ".source"
}

func clobber(up *Updates, dir string) error {
	up.Header("clobbering " + dir + "\n")
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clobber %s: %w", dir, err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func runGit(ctx context.Context, w *Worker, args Args, up *Updates) error {
	repo := strings.TrimSpace(args.String("repourl"))
	if repo == "" {
		return errors.New("git: repourl is required")
	}
	dir, err := resolveDir(w.BaseDir, args.String("workdir"))
	if err != nil {
		return err
	}
	mode := args.String("mode")
	branch := args.String("branch")
	revision := args.String("revision")
	shallow := args.Bool("shallow")

	target := dir
	if mode == "copy" || mode == "export" {
		target = sourceDir(dir)
	}
	if mode == "clobber" {
		if err := clobber(up, target); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	c := &checkout{ctx: ctx, up: up, timeout: args.Seconds("timeout")}
	if exists(filepath.Join(target, ".git")) {
		c.run(target, "git", "remote", "set-url", "origin", repo)
	} else {
		c.run(target, "git", "init", "--quiet")
		c.run(target, "git", "remote", "add", "origin", repo)
	}

	ref := branch
	if ref == "" || (shallow && revision != "") {
		ref = revision
	}
	if ref == "" {
		ref = "HEAD"
	}
	fetch := []string{"git", "fetch", "--force"}
	if shallow {
		fetch = append(fetch, "--depth", "1")
	}
	c.run(target, append(fetch, "origin", ref)...)

	checkoutRev := revision
	if checkoutRev == "" {
		checkoutRev = "FETCH_HEAD"
	}
	localBranch := branch
	if localBranch == "" {
		localBranch = "buildmaster"
	}
	c.run(target, "git", "checkout", "--force", "-B", localBranch, checkoutRev)
	c.run(target, "git", "clean", "-f", "-f", "-d")
	if args.Bool("submodules") {
		c.run(target, "git", "submodule", "update", "--init", "--recursive", "--force")
	}

	var head bytes.Buffer
	if c.runCapture(target, &head, "git", "rev-parse", "HEAD") {
		up.Send(protocol.UpdateGotRevision, strings.TrimSpace(head.String()))
	}
	if c.rc == 0 && target != dir {
		skip := ""
		if mode == "export" {
			skip = ".git"
		}
		if err := copyTree(up, target, dir, skip); err != nil {
			return err
		}
	}
	up.RC(c.rc)
	return nil
}

func runSVN(ctx context.Context, w *Worker, args Args, up *Updates) error {
	url := strings.TrimSpace(args.String("svnurl"))
	if url == "" {
		return errors.New("svn: svnurl is required")
	}
	dir, err := resolveDir(w.BaseDir, args.String("workdir"))
	if err != nil {
		return err
	}
	mode := args.String("mode")
	revision := args.String("revision")

	target := dir
	if mode == "copy" {
		target = sourceDir(dir)
	}
	if mode == "clobber" || mode == "export" {
		if err := clobber(up, target); err != nil {
			return err
		}
	}
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	c := &checkout{ctx: ctx, up: up, timeout: args.Seconds("timeout")}
	revArgs := []string{}
	if revision != "" {
		revArgs = []string{"--revision", revision}
	}
	switch {
	case mode == "export":
		c.run(parent, append(append([]string{"svn", "export", "--non-interactive", "--force"}, revArgs...), url, target)...)
		if c.rc == 0 && revision != "" {
			up.Send(protocol.UpdateGotRevision, revision)
		}
		up.RC(c.rc)
		return nil
	case exists(filepath.Join(target, ".svn")):
		c.run(target, append([]string{"svn", "update", "--non-interactive"}, revArgs...)...)
	default:
		c.run(parent, append(append([]string{"svn", "checkout", "--non-interactive"}, revArgs...), url, target)...)
	}

	var info bytes.Buffer
	if c.runCapture(target, &info, "svn", "info", "--show-item", "revision") {
		up.Send(protocol.UpdateGotRevision, strings.TrimSpace(info.String()))
	}
	if c.rc == 0 && target != dir {
		if err := copyTree(up, target, dir, ".svn"); err != nil {
			return err
		}
	}
	up.RC(c.rc)
	return nil
}

// copyTree replaces dst with a copy of src, leaving out directories named
// skip.
func copyTree(up *Updates, src, dst, skip string) error {
	up.Header(fmt.Sprintf("copying %s to %s\n", src, dst))
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear %s: %w", dst, err)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() && skip != "" && d.Name() == skip && rel != "." {
			return filepath.SkipDir
		}
		out := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(out, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, out)
		default:
			return copyFile(path, out, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
