package schema

import (
	"testing"

	"github.com/danmuck/playermesh/internal/protocol/tlv"
	"github.com/danmuck/playermesh/internal/testutil/testlog"
)

func TestValidateSendMessageRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldFrom, "alice"),
		tlv.String(FieldTo, "bob"),
		tlv.String(FieldContent, "hi"),
	}
	if err := Validate(MsgSendMessage, fields); err != nil {
		t.Fatalf("validate send_message: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldUsername, "alice"),
		{ID: 9999, Type: tlv.TypeBytes, Value: []byte{0x01}},
	}
	if err := Validate(MsgLogin, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{tlv.String(FieldFrom, "alice")}
	err := Validate(MsgSendMessage, fields)
	if err == nil {
		t.Fatalf("expected error")
	}
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldTo || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Bool(FieldSuccess, true),
		tlv.String(FieldMessage, ""),
		tlv.String(FieldUserID, "alice"),
		tlv.String(FieldTimestampMS, "now"),
	}
	err := Validate(MsgLoginResult, fields)
	ve, ok := err.(ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.FieldID != FieldTimestampMS || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	err := Validate(999, nil)
	ve, ok := err.(ValidationError)
	if !ok || ve.Reason != "unknown message_type" {
		t.Fatalf("unexpected error: %v", err)
	}
	if Known(999) || !Known(MsgPeerDeliver) {
		t.Fatalf("unexpected Known result")
	}
}

func TestValidatePeerDeliverIncludesNotificationFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldPlayerID, "bob"),
		tlv.U32(FieldHops, 1),
		tlv.String(FieldFrom, "alice"),
		tlv.String(FieldTo, "bob"),
		tlv.String(FieldContent, "hi"),
		tlv.String(FieldMessageID, "m-1"),
	}
	err := Validate(MsgPeerDeliver, fields)
	ve, ok := err.(ValidationError)
	if !ok || ve.FieldID != FieldTimestampMS {
		t.Fatalf("expected missing timestamp, got %v", err)
	}
}
