package mutation

import (
	"io"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// StreamWriter appends mutations to a byte stream as consecutive msgpack values, each preceded by
// its kind.
type StreamWriter struct {
	enc *msgpack.Encoder
}

func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{enc: msgpack.NewEncoder(w)}
}

func (w *StreamWriter) Write(m Mutation) error {
	if m == nil {
		return errors.New("cannot encode nil mutation")
	}
	if err := w.enc.EncodeUint8(uint8(m.Kind())); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(w.enc.Encode(m), "encode %s mutation", m.Kind())
}

// StreamReader reads back what a StreamWriter produced. Next returns io.EOF at a clean record
// boundary and an error for a stream cut in the middle of a record.
type StreamReader struct {
	dec *msgpack.Decoder
}

func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{dec: msgpack.NewDecoder(r)}
}

func (r *StreamReader) Next() (Mutation, error) {
	kind, err := r.dec.DecodeUint8()
	if err != nil {
		if errors.Cause(err) == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Trace(err)
	}
	m, err := newOfKind(Kind(kind))
	if err != nil {
		return nil, err
	}
	if err := r.dec.Decode(m); err != nil {
		if errors.Cause(err) == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, errors.Annotatef(err, "decode %s mutation", m.Kind())
	}
	return m, nil
}
