package schema

import (
	"fmt"

	"github.com/danmuck/playermesh/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Client-facing message type IDs.
const (
	MsgLogin               uint32 = 1
	MsgLoginResult         uint32 = 2
	MsgSendMessage         uint32 = 3
	MsgReceiveNotification uint32 = 4
	MsgError               uint32 = 5
)

// Node-to-node message type IDs.
const (
	MsgPeerDeliver uint32 = 32
	MsgPeerResolve uint32 = 33
	MsgPeerClaim   uint32 = 34
	MsgPeerRelease uint32 = 35
	MsgPeerKick    uint32 = 36
	MsgPeerReply   uint32 = 37
)

// Field IDs.
const (
	FieldUsername    uint16 = 1
	FieldSuccess     uint16 = 2
	FieldMessage     uint16 = 3
	FieldUserID      uint16 = 4
	FieldTimestampMS uint16 = 5

	FieldFrom      uint16 = 100
	FieldTo        uint16 = 101
	FieldContent   uint16 = 102
	FieldMessageID uint16 = 103

	FieldErrorCode   uint16 = 200
	FieldErrorDetail uint16 = 201

	FieldPlayerID uint16 = 300
	FieldHops     uint16 = 301
	FieldHolder   uint16 = 302
	FieldSession  uint16 = 303
	FieldRefresh  uint16 = 304

	FieldStatus  uint16 = 400
	FieldReason  uint16 = 401
	FieldPresent uint16 = 402
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var notification = []Requirement{
	{FieldFrom, tlv.TypeString},
	{FieldTo, tlv.TypeString},
	{FieldContent, tlv.TypeString},
	{FieldMessageID, tlv.TypeString},
	{FieldTimestampMS, tlv.TypeU64},
}

var requirements = map[uint32][]Requirement{
	MsgLogin: {
		{FieldUsername, tlv.TypeString},
	},
	MsgLoginResult: {
		{FieldSuccess, tlv.TypeBool},
		{FieldMessage, tlv.TypeString},
		{FieldUserID, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
	MsgSendMessage: {
		{FieldFrom, tlv.TypeString},
		{FieldTo, tlv.TypeString},
		{FieldContent, tlv.TypeString},
	},
	MsgReceiveNotification: notification,
	MsgError: {
		{FieldErrorCode, tlv.TypeString},
		{FieldErrorDetail, tlv.TypeString},
	},
	MsgPeerDeliver: append([]Requirement{
		{FieldPlayerID, tlv.TypeString},
		{FieldHops, tlv.TypeU32},
	}, notification...),
	MsgPeerResolve: {
		{FieldPlayerID, tlv.TypeString},
	},
	MsgPeerClaim: {
		{FieldPlayerID, tlv.TypeString},
		{FieldHolder, tlv.TypeString},
		{FieldSession, tlv.TypeString},
	},
	MsgPeerRelease: {
		{FieldPlayerID, tlv.TypeString},
		{FieldHolder, tlv.TypeString},
		{FieldSession, tlv.TypeString},
	},
	MsgPeerKick: {
		{FieldPlayerID, tlv.TypeString},
		{FieldSession, tlv.TypeString},
	},
	MsgPeerReply: {
		{FieldStatus, tlv.TypeString},
	},
}

// Known reports whether messageType has a registered field contract.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
