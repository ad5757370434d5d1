// Package dkim signs outgoing messages with a DKIM-Signature header.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	msgauthdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/unclebandit/mailpacer/internal/config"
)

// signedHeaders are the headers every message built by the SMTP sender carries.
var signedHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "MIME-Version", "Content-Type"}

// Signer adds a DKIM-Signature to outgoing messages. A nil *Signer leaves
// messages untouched.
type Signer struct {
	opts msgauthdkim.SignOptions
}

// New builds a Signer from the SMTP_DKIM_* settings. The signing domain
// defaults to the domain of the SMTP account. It returns nil, nil when DKIM
// is not configured.
func New(cfg config.DKIMConfig, smtp config.SMTPConfig) (*Signer, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	var errs []error
	selector := strings.TrimSpace(cfg.Selector)
	if selector == "" {
		errs = append(errs, errors.New("SMTP_DKIM_SELECTOR is required when enabling DKIM"))
	}
	domain := strings.ToLower(strings.TrimSpace(cfg.Domain))
	if domain == "" {
		domain = smtp.Domain()
	}
	if domain == "" {
		errs = append(errs, errors.New("SMTP_DKIM_DOMAIN is required when SMTP_USER has no domain"))
	}
	key, err := loadKey(cfg)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}

	return &Signer{opts: msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Signer:                 key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}}, nil
}

func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.opts.Selector
}

func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.opts.Domain
}

// Sign returns message with a DKIM-Signature prepended. message must use
// CRLF line endings.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	if s == nil {
		return message, nil
	}
	opts := s.opts
	var signed bytes.Buffer
	if err := msgauthdkim.Sign(&signed, bytes.NewReader(message), &opts); err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}
	return signed.Bytes(), nil
}

// loadKey reads the PEM key from SMTP_DKIM_PRIVATE_KEY or, failing that,
// SMTP_DKIM_KEY_PATH. PKCS#1 and PKCS#8 encodings are accepted.
func loadKey(cfg config.DKIMConfig) (crypto.Signer, error) {
	data := []byte(cfg.PrivateKey)
	if len(data) == 0 {
		if cfg.KeyPath == "" {
			return nil, errors.New("SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY is required when enabling DKIM")
		}
		var err error
		if data, err = os.ReadFile(cfg.KeyPath); err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}
