package wire

import (
	"bytes"
	"testing"
)

type payload struct {
	Foo string `json:"foo"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(KindCast, payload{Foo: "bar"}, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(raw, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var p payload
	if err := Unmarshal(env, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Foo != "bar" {
		t.Errorf("got %q, want bar", p.Foo)
	}
}

func TestHMACRejectsUnsignedWhenSecretConfigured(t *testing.T) {
	raw, _ := Encode(KindCast, payload{Foo: "x"}, nil)
	if _, err := Decode(raw, []byte("secret")); err == nil {
		t.Error("expected unsigned frame to be rejected when secret configured")
	}
}

func TestHMACAcceptsSignedWhenNoSecretConfigured(t *testing.T) {
	raw, _ := Encode(KindCast, payload{Foo: "x"}, []byte("secret"))
	if _, err := Decode(raw, nil); err != nil {
		t.Errorf("tolerant upgrade: expected signed frame to be accepted with no local secret, got %v", err)
	}
}

func TestHMACRejectsWrongSecret(t *testing.T) {
	raw, _ := Encode(KindCast, payload{Foo: "x"}, []byte("secret-a"))
	if _, err := Decode(raw, []byte("secret-b")); err == nil {
		t.Error("expected wrong-secret frame to be rejected")
	}
}

func TestVersionMismatch(t *testing.T) {
	raw, _ := Encode(KindCast, payload{Foo: "x"}, nil)
	raw = bytes.Replace(raw, []byte(`"version":1`), []byte(`"version":9`), 1)
	if _, err := Decode(raw, nil); err == nil {
		t.Error("expected version mismatch error")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf, DefaultMaxFrameBytes)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("got %q, want hello", got)
	}
}

func TestFrameTooLargeRejectedWithoutReading(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, make([]byte, 100))
	if _, err := ReadFrame(&buf, 10); err == nil {
		t.Error("expected oversized frame to be rejected")
	}
}
