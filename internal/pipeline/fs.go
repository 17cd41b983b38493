package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// copyTree replicates src into dst. dst is recreated from scratch;
// chain data directories are large but flat enough that a file walk is
// fine.
func copyTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode())
		default:
			// Sockets and pipes (a running node's leftovers) are skipped.
			return nil
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// stashTree moves src to dst, falling back to a copy when rename fails
// (stash on another filesystem).
func stashTree(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyTree(src, dst); err != nil {
		return fmt.Errorf("unable to stash %s: %w", src, err)
	}
	return os.RemoveAll(src)
}

// artifactBinaries are what a cached build must preserve for the node
// stages to run without the source tree.
var artifactBinaries = []string{
	"bitcoind",
	"bitcoin-cli",
	"bench/bench_bitcoin",
}

// copyArtifacts copies the built node binaries from a source tree's src
// directory into an artifact directory. Only bitcoind is mandatory.
func copyArtifacts(srcBin, dst string) error {
	copied := 0
	for _, rel := range artifactBinaries {
		from := filepath.Join(srcBin, rel)
		info, err := os.Stat(from)
		if err != nil {
			continue
		}
		if err := copyFile(from, filepath.Join(dst, filepath.Base(rel)), info.Mode()); err != nil {
			return err
		}
		copied++
	}
	if copied == 0 {
		return fmt.Errorf("no node binaries found under %s", srcBin)
	}
	return nil
}

func emptyDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}
