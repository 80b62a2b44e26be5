package hashdb

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Compressor transforms record values before they hit the disk. The engine
// always hands visitors decompressed bytes and always stores compressed
// bytes; the on-disk value size is the compressed size.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// ZlibCompressor returns the default deflate-based compressor used when the
// compress option is set and no custom compressor is configured.
func ZlibCompressor() Compressor { return zlibCompressor{} }

type zlibCompressor struct{}

func (zlibCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	zw := zlib.NewWriter(&buf)

	_, err := zw.Write(data)
	if err != nil {
		_ = zw.Close()

		return nil, newErrorf(ErrSystem, "compress: %v", err)
	}

	err = zw.Close()
	if err != nil {
		return nil, newErrorf(ErrSystem, "compress: %v", err)
	}

	return buf.Bytes(), nil
}

func (zlibCompressor) Decompress(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, newErrorf(ErrBroken, "decompress: %v", err)
	}

	out, err := io.ReadAll(zr)

	closeErr := zr.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		return nil, newErrorf(ErrBroken, "decompress: %v", err)
	}

	return out, nil
}
