// Package fsutil holds the file helpers shared by the stages that write into
// the staging directory.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// PartSuffix marks files that are still being written
const PartSuffix = ".part"

// Written describes a completed file
type Written struct {
	Size     int64
	Checksum string
}

// WriteAtomic writes via a ".part" file next to path and renames it into place
// once write returns nil. The partial file is removed on any failure and an
// existing file at path is left untouched. Size and checksum cover the bytes
// handed to the writer.
func WriteAtomic(path string, perm os.FileMode, write func(io.Writer) error) (w Written, err error) {
	tmp := path + PartSuffix
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return Written{}, err
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmp)
		}
	}()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(file, hasher)}
	if err = write(counter); err != nil {
		return Written{}, err
	}
	if err = file.Sync(); err != nil {
		return Written{}, err
	}
	if err = file.Close(); err != nil {
		return Written{}, err
	}
	if err = os.Rename(tmp, path); err != nil {
		return Written{}, err
	}
	return Written{Size: counter.n, Checksum: "sha256:" + hex.EncodeToString(hasher.Sum(nil))}, nil
}

// FileChecksum returns the size and sha256 of the file at path
func FileChecksum(path string) (Written, error) {
	f, err := os.Open(path)
	if err != nil {
		return Written{}, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return Written{}, err
	}
	return Written{Size: n, Checksum: "sha256:" + hex.EncodeToString(hasher.Sum(nil))}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
