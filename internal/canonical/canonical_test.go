package canonical

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
)

type samplePayload struct {
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Body      []byte            `json:"body"`
	Timestamp int64             `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
	Signature []byte            `json:"signature,omitempty"`
}

func newKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

func TestSignableBytesExcludesSignature(t *testing.T) {
	p := samplePayload{Sender: "a", Recipient: "b", Body: []byte("hi"), Timestamp: 7}
	unsigned, err := SignableBytes(p)
	if err != nil {
		t.Fatalf("signable bytes: %v", err)
	}
	p.Signature = []byte("anything")
	signed, err := SignableBytes(p)
	if err != nil {
		t.Fatalf("signable bytes with signature: %v", err)
	}
	if string(unsigned) != string(signed) {
		t.Fatalf("signature field leaked into signable bytes: %s vs %s", unsigned, signed)
	}
	want := `{"body":"aGk=","recipient":"b","sender":"a","timestamp":7}`
	if string(unsigned) != want {
		t.Fatalf("unexpected canonical form: %s", unsigned)
	}
}

func TestSignableBytesOrderIndependent(t *testing.T) {
	var first samplePayload
	first.Tags = map[string]string{}
	first.Tags["z"] = "1"
	first.Tags["a"] = "2"
	first.Timestamp = 99
	first.Sender = "alice"
	first.Recipient = "bob"

	second := samplePayload{Recipient: "bob", Sender: "alice", Timestamp: 99}
	second.Tags = map[string]string{"a": "2"}
	second.Tags["z"] = "1"

	b1, err := SignableBytes(first)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b2, err := SignableBytes(&second)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonical bytes differ: %s vs %s", b1, b2)
	}

	asMap := map[string]any{"timestamp": 99, "tags": map[string]string{"z": "1", "a": "2"}, "recipient": "bob", "sender": "alice", "body": nil}
	b3, err := SignableBytes(asMap)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if string(b1) != string(b3) {
		t.Fatalf("map form differs: %s vs %s", b1, b3)
	}
}

func TestSignableBytesKeepsHTMLCharacters(t *testing.T) {
	got, err := SignableBytes(map[string]string{"k": "<a&b>"})
	if err != nil {
		t.Fatalf("signable bytes: %v", err)
	}
	if string(got) != `{"k":"<a&b>"}` {
		t.Fatalf("unexpected escaping: %s", got)
	}
}

func TestSignableBytesRejectsNonObjects(t *testing.T) {
	for _, payload := range []any{nil, 42, "text", []int{1, 2}, make(chan int)} {
		if _, err := SignableBytes(payload); !errors.Is(err, ErrEncoding) {
			t.Fatalf("payload %T: expected ErrEncoding, got %v", payload, err)
		}
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := newKeys(t)
	p := samplePayload{Sender: "alice", Recipient: "bob", Body: []byte("hello"), Timestamp: 1700000000000}
	sig, err := Sign(priv, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p.Signature = sig
	ok, err := Verify(pub, p, sig)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, ok=%v err=%v", ok, err)
	}
}

func TestVerifyDetectsSingleBitMutations(t *testing.T) {
	pub, priv := newKeys(t)
	otherPub, _ := newKeys(t)
	p := samplePayload{Sender: "alice", Recipient: "bob", Body: []byte("hello"), Timestamp: 1700000000000}
	sig, err := Sign(priv, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	mutatedBody := p
	mutatedBody.Body = append([]byte(nil), p.Body...)
	mutatedBody.Body[0] ^= 0x01
	if ok, err := Verify(pub, mutatedBody, sig); err != nil || ok {
		t.Fatalf("body mutation must fail verification, ok=%v err=%v", ok, err)
	}

	mutatedTS := p
	mutatedTS.Timestamp ^= 1
	if ok, err := Verify(pub, mutatedTS, sig); err != nil || ok {
		t.Fatalf("timestamp mutation must fail verification, ok=%v err=%v", ok, err)
	}

	for bit := 0; bit < 8; bit++ {
		badSig := append([]byte(nil), sig...)
		badSig[10] ^= 1 << bit
		if ok, err := Verify(pub, p, badSig); err != nil || ok {
			t.Fatalf("signature bit %d flip must fail verification, ok=%v err=%v", bit, ok, err)
		}
	}

	if ok, err := Verify(otherPub, p, sig); err != nil || ok {
		t.Fatalf("mismatched key must fail verification, ok=%v err=%v", ok, err)
	}
}

func TestVerifyMalformedInputs(t *testing.T) {
	pub, priv := newKeys(t)
	p := samplePayload{Sender: "alice"}
	sig, err := Sign(priv, p)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := Verify(pub, p, sig[:63]); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature for short signature, got %v", err)
	}
	if _, err := Verify(pub[:31], p, sig); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature for short key, got %v", err)
	}
	if _, err := Verify(pub, []string{"x"}, sig); !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected ErrEncoding, got %v", err)
	}
	if _, err := Sign(priv[:10], p); !errors.Is(err, ErrMalformedKey) {
		t.Fatalf("expected ErrMalformedKey, got %v", err)
	}
}
