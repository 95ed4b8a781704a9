package resource

import (
	"bytes"
	"io"

	"github.com/dsnet/compress/bzip2"
)

// compress BZ2-compresses data at the library's default level. Named as
// the ecosystem library for §4.7's compression rule: Go's own
// compress/bzip2 is decode-only, so this is the one dependency the pack's
// examples don't themselves import but the ecosystem supplies concretely.
func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
