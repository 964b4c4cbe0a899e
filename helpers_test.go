package stream_test

import "bytes"

// closableReader adapts a bytes.Reader (or similar) to the ReadCloser
// interface ReaderConfig.Input expects, for tests that replay an
// in-memory buffer instead of a file.
type closableReader struct {
	*bytes.Reader
}

func (c *closableReader) Close() error { return nil }

func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
