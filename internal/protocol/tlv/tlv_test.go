package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		String(1, "player-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}}, // unknown field id
	}
	b := EncodeFields(in)
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsHugeLengthDoesNotAllocate(t *testing.T) {
	payload := []byte{0, 1, TypeBytes, 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestTypedValues(t *testing.T) {
	if v, err := U64Value(U64(1, 1700000000123)); err != nil || v != 1700000000123 {
		t.Fatalf("u64 value=%d err=%v", v, err)
	}
	if v, err := U32Value(U32(1, 3)); err != nil || v != 3 {
		t.Fatalf("u32 value=%d err=%v", v, err)
	}
	if v, err := BoolValue(Bool(1, true)); err != nil || !v {
		t.Fatalf("bool value=%v err=%v", v, err)
	}
	if _, err := BoolValue(Field{ID: 1, Type: TypeBool, Value: []byte{2}}); err == nil {
		t.Fatalf("expected invalid bool encoding error")
	}
	if _, err := StringValue(Field{ID: 1, Type: TypeString, Value: []byte{0xff, 0xfe}}); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8, got %v", err)
	}
	if _, err := StringValue(U64(1, 1)); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}
