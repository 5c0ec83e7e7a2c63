package fsutil

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	copier "github.com/otiai10/copy"
)

// CopyContext copies src to dst and stops between reads once ctx is done
func CopyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return src.Read(p)
	}))
}

var rename = os.Rename

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Move renames src to dst, creating dst's parent. When a rename is impossible
// (for example across filesystems) the tree is copied and src removed.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	if err := rename(src, dst); err == nil {
		return nil
	} else if !isCrossDevice(err) {
		return err
	}

	if err := copier.Copy(src, dst, copier.Options{Sync: true, PreserveTimes: true}); err != nil {
		os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

func isCrossDevice(err error) bool {
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return false
	}
	return isEXDEV(linkErr.Err)
}
