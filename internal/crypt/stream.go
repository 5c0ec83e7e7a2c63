// Package crypt encrypts staging artifacts at rest.
//
// An encrypted file is a header followed by records:
//
//	header: "SBK1" | mode (1 byte) | salt (16 bytes) | base nonce (12 bytes)
//	record: final (1 byte) | length (uint32) | AES-256-GCM ciphertext
//
// Each record holds at most ChunkSize bytes of plaintext. Its nonce is the base
// nonce XOR the record index, and the header, index and final flag are
// authenticated, so reordered, truncated or extended files fail to decrypt.
package crypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic starts every encrypted file
	Magic = "SBK1"
	// ChunkSize is the plaintext size of a full record
	ChunkSize = 64 * 1024

	saltSize   = 16
	nonceSize  = 12
	headerSize = len(Magic) + 1 + saltSize + nonceSize
	recordHead = 1 + 4
	keySize    = 32
)

// ErrFormat is returned for input that is not a well formed encrypted file
var ErrFormat = errors.New("not a site-backup encrypted file")

// ErrTruncated is returned when the final record is missing
var ErrTruncated = errors.New("encrypted file is truncated")

type header struct {
	mode  keyMode
	salt  [saltSize]byte
	nonce [nonceSize]byte
}

func (h header) bytes() []byte {
	b := make([]byte, 0, headerSize)
	b = append(b, Magic...)
	b = append(b, byte(h.mode))
	b = append(b, h.salt[:]...)
	return append(b, h.nonce[:]...)
}

func parseHeader(b []byte) (header, error) {
	var h header
	if len(b) != headerSize || !bytes.Equal(b[:len(Magic)], []byte(Magic)) {
		return h, ErrFormat
	}
	h.mode = keyMode(b[len(Magic)])
	copy(h.salt[:], b[len(Magic)+1:])
	copy(h.nonce[:], b[len(Magic)+1+saltSize:])
	return h, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key must be %d bytes for AES-256, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func chunkNonce(base [nonceSize]byte, index uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, base[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], index)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= ctr[i]
	}
	return nonce
}

func additionalData(hdr []byte, index uint64, final bool) []byte {
	ad := make([]byte, 0, len(hdr)+9)
	ad = append(ad, hdr...)
	ad = binary.BigEndian.AppendUint64(ad, index)
	if final {
		return append(ad, 1)
	}
	return append(ad, 0)
}

// EncryptStream reads plaintext from r and writes the encrypted form to w
func EncryptStream(ctx context.Context, keys KeySource, r io.Reader, w io.Writer) error {
	var h header
	h.mode = keys.mode()
	if _, err := io.ReadFull(rand.Reader, h.salt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, h.nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	key, err := keys.Key(h.salt[:])
	if err != nil {
		return err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	hdr := h.bytes()
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	// Read one chunk ahead so the last record can be flagged final
	cur := make([]byte, ChunkSize)
	next := make([]byte, ChunkSize)
	n, err := io.ReadFull(r, cur)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}

	sealed := make([]byte, 0, ChunkSize+gcm.Overhead())
	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		final := n < ChunkSize
		var m int
		if !final {
			m, err = io.ReadFull(r, next)
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return err
			}
			final = m == 0
		}

		sealed = gcm.Seal(sealed[:0], chunkNonce(h.nonce, index), cur[:n], additionalData(hdr, index, final))
		var rec [recordHead]byte
		if final {
			rec[0] = 1
		}
		binary.BigEndian.PutUint32(rec[1:], uint32(len(sealed)))
		if _, err := w.Write(rec[:]); err != nil {
			return err
		}
		if _, err := w.Write(sealed); err != nil {
			return err
		}

		if final {
			return nil
		}
		cur, next = next, cur
		n = m
	}
}

// DecryptStream reverses EncryptStream
func DecryptStream(ctx context.Context, keys KeySource, r io.Reader, w io.Writer) error {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrFormat
		}
		return err
	}
	h, err := parseHeader(hdr)
	if err != nil {
		return err
	}
	if h.mode != keys.mode() {
		return fmt.Errorf("file was encrypted with a %s but a %s was supplied", h.mode, keys.mode())
	}

	key, err := keys.Key(h.salt[:])
	if err != nil {
		return err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	maxRecord := ChunkSize + gcm.Overhead()
	buf := make([]byte, maxRecord)
	plain := make([]byte, 0, ChunkSize)
	for index := uint64(0); ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var rec [recordHead]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrTruncated
			}
			return err
		}
		final := rec[0] == 1
		size := int(binary.BigEndian.Uint32(rec[1:]))
		if rec[0] > 1 || size < gcm.Overhead() || size > maxRecord {
			return ErrFormat
		}
		if _, err := io.ReadFull(r, buf[:size]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrTruncated
			}
			return err
		}

		plain, err = gcm.Open(plain[:0], chunkNonce(h.nonce, index), buf[:size], additionalData(hdr, index, final))
		if err != nil {
			return fmt.Errorf("record %d failed authentication: wrong key or corrupted file", index)
		}
		if _, err := w.Write(plain); err != nil {
			return err
		}

		if final {
			var extra [1]byte
			if n, _ := r.Read(extra[:]); n > 0 {
				return fmt.Errorf("%w: data after final record", ErrFormat)
			}
			return nil
		}
	}
}
