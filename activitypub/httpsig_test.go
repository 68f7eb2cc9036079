package activitypub

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"testing"
	"time"
)

func generateTestKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return privateKey
}

func privateKeyToPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	}))
}

// signedTestRequest builds a POST request signed with the given key.
func signedTestRequest(t *testing.T, key *rsa.PrivateKey, keyId string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://remote.test/users/alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", CreateDigest(body))

	if err := SignRequest(req, key, keyId); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	key := generateTestKeyPair(t)
	keyId := "https://events.test/users/bob#main-key"
	body := []byte(`{"type":"Follow"}`)

	req := signedTestRequest(t, key, keyId, body)

	if req.Header.Get("Signature") == "" {
		t.Fatal("SignRequest did not set a Signature header")
	}

	actorURI, err := VerifySignedRequest(req, publicKeyToPEM(t, &key.PublicKey))
	if err != nil {
		t.Fatalf("VerifySignedRequest failed: %v", err)
	}
	if actorURI != "https://events.test/users/bob" {
		t.Errorf("actor URI = %q", actorURI)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key := generateTestKeyPair(t)
	otherKey := generateTestKeyPair(t)
	req := signedTestRequest(t, key, "https://events.test/users/bob#main-key", []byte(`{}`))

	if _, err := VerifySignedRequest(req, publicKeyToPEM(t, &otherKey.PublicKey)); err == nil {
		t.Error("expected verification failure with wrong key")
	}
}

func TestVerifyRejectsTamperedHeaders(t *testing.T) {
	key := generateTestKeyPair(t)
	req := signedTestRequest(t, key, "https://events.test/users/bob#main-key", []byte(`{}`))

	// The Date header is covered by the signature
	req.Header.Set("Date", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))

	if _, err := VerifySignedRequest(req, publicKeyToPEM(t, &key.PublicKey)); err == nil {
		t.Error("expected verification failure after tampering with signed header")
	}
}

func TestCreateDigest(t *testing.T) {
	// Known SHA-256 of "hello"
	got := CreateDigest([]byte("hello"))
	want := "SHA-256=LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ="
	if got != want {
		t.Errorf("CreateDigest = %q, want %q", got, want)
	}
}

func TestActorURIFromKeyId(t *testing.T) {
	tests := []struct {
		keyId string
		want  string
	}{
		{"https://events.test/users/alice#main-key", "https://events.test/users/alice"},
		{"https://events.test/users/alice", "https://events.test/users/alice"},
	}
	for _, tt := range tests {
		if got := ActorURIFromKeyId(tt.keyId); got != tt.want {
			t.Errorf("ActorURIFromKeyId(%q) = %q, want %q", tt.keyId, got, tt.want)
		}
	}
}

func TestParseSignatureHeader(t *testing.T) {
	params, err := parseSignatureHeader(`keyId="https://a.test/u/x#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="c2ln"`)
	if err != nil {
		t.Fatalf("parseSignatureHeader failed: %v", err)
	}
	if params["keyid"] != "https://a.test/u/x#main-key" {
		t.Errorf("keyid = %q", params["keyid"])
	}
	if params["algorithm"] != "rsa-sha256" {
		t.Errorf("algorithm = %q", params["algorithm"])
	}
	if params["signature"] != "c2ln" {
		t.Errorf("signature = %q", params["signature"])
	}
}

func TestParseSignatureHeaderMissingFields(t *testing.T) {
	tests := []string{
		``,
		`algorithm="rsa-sha256"`,
		`keyId="https://a.test/u/x"`,
		`signature="c2ln"`,
	}
	for _, header := range tests {
		if _, err := parseSignatureHeader(header); err == nil {
			t.Errorf("parseSignatureHeader(%q) succeeded, want error", header)
		}
	}
}

func TestParsePrivateKeyInvalidPEM(t *testing.T) {
	if _, err := ParsePrivateKey("not a valid PEM"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
}

func TestParsePublicKeyFormats(t *testing.T) {
	key := generateTestKeyPair(t)

	// PKIX, the common case
	if _, err := ParsePublicKey(publicKeyToPEM(t, &key.PublicKey)); err != nil {
		t.Errorf("ParsePublicKey(PKIX) failed: %v", err)
	}

	// PKCS#1, published by some older instances
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}))
	if _, err := ParsePublicKey(pkcs1); err != nil {
		t.Errorf("ParsePublicKey(PKCS1) failed: %v", err)
	}

	if _, err := ParsePublicKey("garbage"); err == nil {
		t.Error("Expected error for invalid public key PEM")
	}
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	key := generateTestKeyPair(t)
	parsed, err := ParsePrivateKey(privateKeyToPEM(key))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}
