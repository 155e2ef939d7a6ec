package gateway

import (
	"encoding/json"

	"github.com/gobwas/ws"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes frames after the hello exchange.
type Codec interface {
	Encode(frame *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	// Name is the format negotiated in hello.
	Name() string
	// OpCode is the WebSocket frame kind the codec writes.
	OpCode() ws.OpCode
}

// Codec names for format negotiation.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names get JSON.
func GetCodec(name string) Codec {
	if name == CodecNameMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec encodes frames as JSON text messages.
type JSONCodec struct{}

func (JSONCodec) Encode(frame *Frame) ([]byte, error) { return json.Marshal(frame) }

func (JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (JSONCodec) Name() string      { return CodecNameJSON }
func (JSONCodec) OpCode() ws.OpCode { return ws.OpText }

// MsgpackCodec encodes frames as MessagePack binary messages.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(frame *Frame) ([]byte, error) { return msgpack.Marshal(frame) }

func (MsgpackCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (MsgpackCodec) Name() string      { return CodecNameMsgpack }
func (MsgpackCodec) OpCode() ws.OpCode { return ws.OpBinary }

// CodecFor picks the decoder for a received message kind.
func CodecFor(op ws.OpCode) Codec {
	if op == ws.OpBinary {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}
