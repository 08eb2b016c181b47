package distributed

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/guochan007/imoocHadoop/map_reduce"
)

var ErrUnknownCodec = errors.New("unknown codec")

// Codec encodes the intermediate pairs a map task spills for a reducer.
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

type Encoder interface {
	Encode(kv map_reduce.KeyValue) error
	Flush() error
}

// Decoder returns io.EOF once the stream is exhausted.
type Decoder interface {
	Decode() (map_reduce.KeyValue, error)
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// JSONCodec writes one JSON object per line. Keys that are not valid UTF-8
// go in Raw so they survive the round trip byte for byte.
type JSONCodec struct{}

type jsonRecord struct {
	Key   string `json:"k,omitempty"`
	Raw   []byte `json:"r,omitempty"`
	Value int64  `json:"v"`
}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) NewEncoder(w io.Writer) Encoder {
	bw := bufio.NewWriter(w)
	return &jsonEncoder{bw: bw, enc: json.NewEncoder(bw)}
}

func (JSONCodec) NewDecoder(r io.Reader) Decoder {
	return &jsonDecoder{dec: json.NewDecoder(bufio.NewReader(r))}
}

type jsonEncoder struct {
	bw  *bufio.Writer
	enc *json.Encoder
}

func (e *jsonEncoder) Encode(kv map_reduce.KeyValue) error {
	rec := jsonRecord{Value: kv.Value}
	if utf8.ValidString(kv.Key) {
		rec.Key = kv.Key
	} else {
		rec.Raw = []byte(kv.Key)
	}
	return e.enc.Encode(&rec)
}

func (e *jsonEncoder) Flush() error {
	return e.bw.Flush()
}

type jsonDecoder struct {
	dec *json.Decoder
}

func (d *jsonDecoder) Decode() (map_reduce.KeyValue, error) {
	var rec jsonRecord
	if err := d.dec.Decode(&rec); err != nil {
		return map_reduce.KeyValue{}, err
	}
	if rec.Raw != nil {
		return map_reduce.KeyValue{Key: string(rec.Raw), Value: rec.Value}, nil
	}
	return map_reduce.KeyValue{Key: rec.Key, Value: rec.Value}, nil
}

// ProtoCodec writes varint length-delimited protobuf messages with the key in
// field 1 and the value in field 2.
type ProtoCodec struct{}

const (
	protoKeyField   protowire.Number = 1
	protoValueField protowire.Number = 2
)

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) NewEncoder(w io.Writer) Encoder {
	return &protoEncoder{bw: bufio.NewWriter(w)}
}

func (ProtoCodec) NewDecoder(r io.Reader) Decoder {
	return &protoDecoder{br: bufio.NewReader(r)}
}

type protoEncoder struct {
	bw  *bufio.Writer
	msg []byte
	buf []byte
}

func (e *protoEncoder) Encode(kv map_reduce.KeyValue) error {
	e.msg = e.msg[:0]
	e.msg = protowire.AppendTag(e.msg, protoKeyField, protowire.BytesType)
	e.msg = protowire.AppendString(e.msg, kv.Key)
	e.msg = protowire.AppendTag(e.msg, protoValueField, protowire.VarintType)
	e.msg = protowire.AppendVarint(e.msg, uint64(kv.Value))

	e.buf = protowire.AppendBytes(e.buf[:0], e.msg)
	_, err := e.bw.Write(e.buf)
	return err
}

func (e *protoEncoder) Flush() error {
	return e.bw.Flush()
}

type protoDecoder struct {
	br  *bufio.Reader
	buf []byte
}

func (d *protoDecoder) Decode() (map_reduce.KeyValue, error) {
	var kv map_reduce.KeyValue
	size, err := binary.ReadUvarint(d.br)
	if err != nil {
		return kv, err
	}
	if uint64(cap(d.buf)) < size {
		d.buf = make([]byte, size)
	}
	b := d.buf[:size]
	if _, err := io.ReadFull(d.br, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return kv, err
	}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return kv, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == protoKeyField && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			kv.Key = string(v)
		case num == protoValueField && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			kv.Value = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return kv, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return kv, nil
}
