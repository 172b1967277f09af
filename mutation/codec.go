package mutation

import (
	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes the mutation as its kind byte followed by the msgpack body.
func Encode(m Mutation) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot encode nil mutation")
	}
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, errors.Annotatef(err, "encode %s mutation", m.Kind())
	}
	buf := make([]byte, 0, len(body)+1)
	buf = append(buf, byte(m.Kind()))
	return append(buf, body...), nil
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Mutation, error) {
	if len(data) == 0 {
		return nil, errors.New("empty mutation record")
	}
	m, err := newOfKind(Kind(data[0]))
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(data[1:], m); err != nil {
		return nil, errors.Annotatef(err, "decode %s mutation", m.Kind())
	}
	return m, nil
}

func newOfKind(k Kind) (Mutation, error) {
	switch k {
	case KindTransaction:
		return new(TransactionMutation), nil
	case KindEntityUpsert:
		return new(EntityUpsertMutation), nil
	case KindEntityRemove:
		return new(EntityRemoveMutation), nil
	case KindModifySchema:
		return new(ModifySchemaMutation), nil
	}
	return nil, errors.Errorf("unknown mutation kind %d", byte(k))
}
