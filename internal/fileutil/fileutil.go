package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned when a stream exceeds the caller's size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// Result describes a completed atomic write.
type Result struct {
	Path   string
	Size   int64
	SHA256 string
}

// WriteAtomic streams r into a temp file next to dst and renames it into
// place, so readers never observe a partial file. A maxBytes <= 0 disables
// the size limit. On any error the temp file is removed and dst is untouched.
func WriteAtomic(dst string, r io.Reader, maxBytes int64) (Result, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return Result{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return Result{}, fmt.Errorf("write %s: %w", dst, err)
	}
	if maxBytes > 0 && written > maxBytes {
		return Result{}, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}
	if err := tmp.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return Result{}, fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return Result{}, fmt.Errorf("rename into %s: %w", dst, err)
	}
	committed = true
	return Result{Path: dst, Size: written, SHA256: hex.EncodeToString(hasher.Sum(nil))}, nil
}

// CopyFileAtomic copies src to dst through WriteAtomic.
func CopyFileAtomic(src, dst string, maxBytes int64) (Result, error) {
	in, err := os.Open(src)
	if err != nil {
		return Result{}, err
	}
	defer in.Close()
	return WriteAtomic(dst, in, maxBytes)
}
