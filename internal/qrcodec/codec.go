package qrcodec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/models"
	"ms-registration/internal/signature"

	"github.com/skip2/go-qrcode"
)

// Domain tags which desk issued a credential. Each domain signs with its own secret.
type Domain string

const (
	DomainOnline  Domain = "online"
	DomainOffline Domain = "offline"
)

var (
	ErrMalformedQR      = apperror.Integrity(apperror.CodeMalformedQR, "QR code could not be read")
	ErrExpiredQR        = apperror.Integrity(apperror.CodeExpiredQR, "QR code has expired")
	ErrInvalidSignature = apperror.Integrity(apperror.CodeInvalidSignature, "QR code signature is invalid")
	ErrNotEntitled      = apperror.Integrity(apperror.CodeNotEntitled, "QR code does not include this event or workshop")
)

// Payload is the JSON carried inside the QR image. Signature covers every
// other field, including Domain.
type Payload struct {
	Domain         Domain   `json:"domain"`
	RegistrationID string   `json:"id"`
	StudentID      string   `json:"studentId"`
	Events         []string `json:"events"`
	Workshops      []string `json:"workshops"`
	OrderID        string   `json:"orderId,omitempty"`
	PaymentID      string   `json:"paymentId,omitempty"`
	Amount         int64    `json:"amount,omitempty"`
	ReceiptNumber  string   `json:"receiptNumber,omitempty"`
	SecureKey      string   `json:"secureKey,omitempty"`
	Timestamp      int64    `json:"timestamp"`
	ValidUntil     int64    `json:"validUntil"`
	Signature      string   `json:"signature"`
}

func (p *Payload) Contains(target models.TargetRef) bool {
	switch target.Kind {
	case models.KindEvent:
		return slices.Contains(p.Events, target.ID)
	case models.KindWorkshop:
		return slices.Contains(p.Workshops, target.ID)
	}
	return false
}

func (p *Payload) ValidUntilTime() time.Time {
	return time.UnixMilli(p.ValidUntil)
}

// Issued is a signed payload together with its rendered image.
type Issued struct {
	Payload Payload
	Text    string
	PNG     []byte
}

func (i *Issued) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(i.PNG)
}

type Codec struct {
	signer *signature.Service
	size   int
	now    func() time.Time
}

func NewCodec(signer *signature.Service, size int) *Codec {
	if size <= 0 {
		size = 512
	}
	return &Codec{signer: signer, size: size, now: time.Now}
}

// WithClock swaps the time source used for issuance and expiry checks.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

func purposeFor(d Domain) (signature.Purpose, error) {
	switch d {
	case DomainOnline:
		return signature.PurposeOnlineQR, nil
	case DomainOffline:
		return signature.PurposeOfflineQR, nil
	}
	return "", fmt.Errorf("unknown QR domain %q", d)
}

func (c *Codec) sign(p Payload) (string, error) {
	purpose, err := purposeFor(p.Domain)
	if err != nil {
		return "", err
	}
	data, err := signature.CanonicalizeWithout(p, "signature")
	if err != nil {
		return "", err
	}
	return c.signer.SignBytes(purpose, data)
}

// Encode stamps the issuance time, signs p and renders it as a PNG.
func (c *Codec) Encode(p Payload) (*Issued, error) {
	if p.RegistrationID == "" {
		return nil, errors.New("qr payload needs a registration id")
	}
	if p.ValidUntil == 0 {
		return nil, errors.New("qr payload needs a validity deadline")
	}
	if p.Events == nil {
		p.Events = []string{}
	}
	if p.Workshops == nil {
		p.Workshops = []string{}
	}
	p.Timestamp = c.now().UnixMilli()
	p.Signature = ""

	sig, err := c.sign(p)
	if err != nil {
		return nil, fmt.Errorf("failed to sign QR payload: %w", err)
	}
	p.Signature = sig

	text, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal QR payload: %w", err)
	}

	png, err := qrcode.Encode(string(text), qrcode.Highest, c.size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR: %w", err)
	}

	return &Issued{Payload: p, Text: string(text), PNG: png}, nil
}

// Parse only checks that raw is a well-formed payload.
func (c *Codec) Parse(raw string) (*Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformedQR
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedQR, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after payload", ErrMalformedQR)
	}
	if p.RegistrationID == "" || p.Signature == "" || p.ValidUntil == 0 {
		return nil, fmt.Errorf("%w: missing required fields", ErrMalformedQR)
	}
	return &p, nil
}

// Verify runs expiry and signature checks for a credential expected from domain.
func (c *Codec) Verify(domain Domain, p *Payload) error {
	if !c.now().Before(p.ValidUntilTime()) {
		return fmt.Errorf("%w: valid until %s", ErrExpiredQR, p.ValidUntilTime().UTC().Format(time.RFC3339))
	}

	if p.Domain != domain {
		return fmt.Errorf("%w: issued for %q desk", ErrInvalidSignature, p.Domain)
	}

	purpose, err := purposeFor(domain)
	if err != nil {
		return err
	}
	data, err := signature.CanonicalizeWithout(p, "signature")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedQR, err)
	}
	if err := c.signer.VerifyBytes(purpose, data, p.Signature); err != nil {
		if errors.Is(err, signature.ErrSignatureInvalid) {
			return ErrInvalidSignature
		}
		return err
	}
	return nil
}

// DecodeAndVerify parses raw scanned text, rejects expired or forged
// credentials, and confirms target is among the signed entitlements.
func (c *Codec) DecodeAndVerify(domain Domain, raw string, target models.TargetRef) (*Payload, error) {
	p, err := c.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := c.Verify(domain, p); err != nil {
		return nil, err
	}
	if !p.Contains(target) {
		return nil, fmt.Errorf("%w: %s", ErrNotEntitled, target)
	}
	return p, nil
}
