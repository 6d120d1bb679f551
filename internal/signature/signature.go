// Package signature computes HMAC-SHA256 signatures over canonical JSON.
//
// Each Purpose has its own secret so a signature minted for one use (say an
// offline desk QR) never verifies for another (an online QR or a gateway
// response).
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

type Purpose string

const (
	PurposePaymentResponse Purpose = "payment-response"
	PurposeOnlineQR        Purpose = "online-qr"
	PurposeOfflineQR       Purpose = "offline-qr"
)

var (
	ErrSignatureInvalid = errors.New("signature invalid")
	ErrUnknownPurpose   = errors.New("no secret configured for purpose")
)

type Service struct {
	secrets map[Purpose][]byte
}

// New requires a non-empty secret for every purpose it is given.
func New(secrets map[Purpose]string) (*Service, error) {
	s := &Service{secrets: make(map[Purpose][]byte, len(secrets))}
	for purpose, secret := range secrets {
		if secret == "" {
			return nil, fmt.Errorf("empty secret for %s", purpose)
		}
		s.secrets[purpose] = []byte(secret)
	}
	return s, nil
}

// MAC returns the raw HMAC-SHA256 of data under the purpose secret.
func (s *Service) MAC(purpose Purpose, data []byte) ([]byte, error) {
	secret, ok := s.secrets[purpose]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPurpose, purpose)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Sign canonicalizes payload and returns the hex-encoded MAC.
func (s *Service) Sign(purpose Purpose, payload any) (string, error) {
	data, err := Canonicalize(payload)
	if err != nil {
		return "", err
	}
	sum, err := s.MAC(purpose, data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// SignBytes returns the hex-encoded MAC of already-canonical data.
func (s *Service) SignBytes(purpose Purpose, data []byte) (string, error) {
	sum, err := s.MAC(purpose, data)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

func (s *Service) Verify(purpose Purpose, payload any, signature string) error {
	data, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	return s.VerifyBytes(purpose, data, signature)
}

// VerifyBytes checks a hex signature over already-canonical data.
func (s *Service) VerifyBytes(purpose Purpose, data []byte, signature string) error {
	if signature == "" {
		return ErrSignatureInvalid
	}
	given, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureInvalid
	}
	expected, err := s.MAC(purpose, data)
	if err != nil {
		return err
	}
	if !hmac.Equal(given, expected) {
		return ErrSignatureInvalid
	}
	return nil
}

// Canonicalize renders payload as JSON with object keys sorted at every depth,
// so two payloads with equal content always produce equal bytes.
func Canonicalize(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// CanonicalizeWithout canonicalizes payload minus the named top-level fields.
// Payload must encode as a JSON object.
func CanonicalizeWithout(payload any, fields ...string) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	for _, f := range fields {
		delete(obj, f)
	}
	return Canonicalize(obj)
}
