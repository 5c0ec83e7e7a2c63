package dbdump

import (
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"site-backup/internal/config"
)

// Codec wraps the dump stream in a compression format
type Codec interface {
	Name() string
	// Extension is appended to data.sql
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var codecs = map[string]Codec{
	config.CompressionNone: noneCodec{},
	config.CompressionGzip: gzipCodec{},
	config.CompressionZstd: zstdCodec{},
	config.CompressionLZ4:  lz4Codec{},
}

// CodecFor returns the codec registered under name. An empty name means no compression.
func CodecFor(name string) (Codec, error) {
	if name == "" {
		name = config.CompressionNone
	}
	codec, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", name)
	}
	return codec, nil
}

// SupportedCodecs lists the registered codec names
func SupportedCodecs() []string {
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type noneCodec struct{}

func (noneCodec) Name() string      { return config.CompressionNone }
func (noneCodec) Extension() string { return "" }

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type gzipCodec struct{}

func (gzipCodec) Name() string      { return config.CompressionGzip }
func (gzipCodec) Extension() string { return ".gz" }

func (gzipCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.DefaultCompression)
}

func (gzipCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string      { return config.CompressionZstd }
func (zstdCodec) Extension() string { return ".zst" }

func (zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type lz4Codec struct{}

func (lz4Codec) Name() string      { return config.CompressionLZ4 }
func (lz4Codec) Extension() string { return ".lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw := lz4.NewWriter(w)
	if err := zw.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
		return nil, err
	}
	return zw, nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
