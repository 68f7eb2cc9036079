package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

// SignRequest signs an outgoing HTTP request with the given private key
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	// Create signer with required headers
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Sign the request
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifySignedRequest checks the request's Signature header against a known
// public key. Returns the actor URI derived from the keyId if valid.
func VerifySignedRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	// Verify the signature
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	keyId := verifier.KeyId()

	// keyId is usually "https://example.com/users/alice#main-key",
	// the actor URI is the part before the fragment
	return ActorURIFromKeyId(keyId), nil
}

// ActorURIFromKeyId strips the key fragment from a keyId.
func ActorURIFromKeyId(keyId string) string {
	return strings.Split(keyId, "#")[0]
}

// CreateDigest computes the Digest header value for a request body.
func CreateDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// parseSignatureHeader splits a structured Signature header value of the form
// keyId="...",algorithm="...",headers="...",signature="..." into its fields.
func parseSignatureHeader(header string) (map[string]string, error) {
	params := map[string]string{}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.Index(part, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter: %q", part)
		}
		name := strings.ToLower(part[:eq])
		value := strings.Trim(part[eq+1:], `"`)
		params[name] = value
	}
	if params["keyid"] == "" || params["signature"] == "" {
		return nil, fmt.Errorf("signature header missing keyId or signature")
	}
	return params, nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Older instances publish PKCS#1 keys
		rsaKey, err1 := x509.ParsePKCS1PublicKey(block.Bytes)
		if err1 != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return rsaKey, nil
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
