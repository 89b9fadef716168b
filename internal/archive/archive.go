// Package archive copies a peer log aside, gzip-compressed, before the GC
// coordinator compacts it.
package archive

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/logbus/pkg/types"
)

// Archiver stores a compressed copy of a log file and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, peer types.PeerID, srcPath string, at time.Time) (string, error)
}

// ObjectName returns the archive name of peer's log taken at at.
func ObjectName(peer types.PeerID, at time.Time) string {
	return fmt.Sprintf("%s-%s.log.gz", peer, at.UTC().Format("20060102T150405.000Z"))
}

// compress streams src through gzip into dst.
func compress(dst io.Writer, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// Local writes archives into a directory.
type Local struct {
	Dir string
}

// Archive compresses srcPath into Dir. The archive is written under a
// temporary name and renamed once complete.
func (l Local) Archive(_ context.Context, peer types.PeerID, srcPath string, at time.Time) (string, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: create dir: %w", err)
	}

	dstPath := filepath.Join(l.Dir, ObjectName(peer, at))
	tmpPath := dstPath + ".tmp"

	dst, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("archive: create file: %w", err)
	}
	if err := compress(dst, srcPath); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("archive: compress %s: %w", srcPath, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return dstPath, nil
}

// Multi archives to every archiver in turn and joins their errors.
type Multi []Archiver

func (m Multi) Archive(ctx context.Context, peer types.PeerID, srcPath string, at time.Time) (string, error) {
	var (
		last string
		errs []error
	)
	for _, a := range m {
		loc, err := a.Archive(ctx, peer, srcPath, at)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		last = loc
	}
	return last, errors.Join(errs...)
}
