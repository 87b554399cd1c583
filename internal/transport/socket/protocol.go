package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
)

// ClientFrame is one inbound chat message. PartyId identifies the sender and
// doubles as the delivery address for asynchronous fanout pushes.
type ClientFrame struct {
	RequestId string `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	PartyId   string `protobuf:"bytes,3,opt,name=party_id,json=partyId,proto3"`
	Text      string `protobuf:"bytes,4,opt,name=text,proto3"`
}

func (*ClientFrame) Reset()         {}
func (*ClientFrame) String() string { return "ClientFrame" }
func (*ClientFrame) ProtoMessage()  {}

// ServerFrame is either the synchronous reply to a ClientFrame (RequestId
// set) or an asynchronous push (Push set, RequestId empty).
type ServerFrame struct {
	RequestId    string     `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32      `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string     `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Reply        string     `protobuf:"bytes,4,opt,name=reply,proto3"`
	Push         *PushFrame `protobuf:"bytes,5,opt,name=push,proto3"`
}

func (*ServerFrame) Reset()         {}
func (*ServerFrame) String() string { return "ServerFrame" }
func (*ServerFrame) ProtoMessage()  {}

// PushFrame carries one fanout delivery to a connected party.
type PushFrame struct {
	PartyId string `protobuf:"bytes,1,opt,name=party_id,json=partyId,proto3"`
	Payload string `protobuf:"bytes,2,opt,name=payload,proto3"`
}

func (*PushFrame) Reset()         {}
func (*PushFrame) String() string { return "PushFrame" }
func (*PushFrame) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalClientFrame(payload []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := proto.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func UnmarshalServerFrame(payload []byte) (*ServerFrame, error) {
	var f ServerFrame
	if err := proto.Unmarshal(payload, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func ValidateClientFrame(f *ClientFrame) error {
	if f == nil {
		return fmt.Errorf("nil frame")
	}
	if f.PartyId == "" {
		return fmt.Errorf("party_id is required")
	}
	if f.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}
