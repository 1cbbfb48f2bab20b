// Package signature signs outbound webhook payloads with an HMAC so receivers
// can authenticate them.
package signature

import (
	"os"
	"strings"
)

const (
	DefaultHeader    = "X-Signature-256"
	DefaultFormat    = "sha256=${signature}"
	DefaultAlgorithm = "hmac-sha256"
	DefaultEncoding  = "hex"
)

// Config defines how a payload signature is computed and presented
type Config struct {
	// Header is the HTTP header carrying the signature
	Header string `json:"header" yaml:"header"`

	// Format is a template for the header value.
	// Examples: "sha256=${signature}", "${signature}", "t=${timestamp},v1=${signature}"
	// When ${timestamp} appears, the signed input is "<timestamp>.<body>".
	Format string `json:"format" yaml:"format"`

	// Algorithm is one of "hmac-sha1", "hmac-sha256" (default), "hmac-sha512"
	Algorithm string `json:"algorithm" yaml:"algorithm"`

	// Encoding is "hex" (default) or "base64"
	Encoding string `json:"encoding" yaml:"encoding"`

	// Secret is either a literal, "static:value" or "env:VAR_NAME"
	Secret string `json:"secret" yaml:"secret"`
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Header == "" {
		c.Header = DefaultHeader
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Header == "" {
		return invalidf("header is required")
	}
	if !strings.Contains(c.Format, "${signature}") {
		return invalidf("format must contain ${signature}")
	}

	switch c.Algorithm {
	case "hmac-sha1", "hmac-sha256", "hmac-sha512":
	default:
		return invalidf("unsupported algorithm: %s", c.Algorithm)
	}

	switch c.Encoding {
	case "hex", "base64":
	default:
		return invalidf("unsupported encoding: %s", c.Encoding)
	}

	if _, err := resolveSecret(c.Secret); err != nil {
		return err
	}
	return nil
}

// resolveSecret reads the signing secret from its source
func resolveSecret(source string) (string, error) {
	sourceType, value, found := strings.Cut(source, ":")
	if !found {
		sourceType, value = "static", source
	}

	var secret string
	switch sourceType {
	case "env":
		secret = os.Getenv(value)
		if secret == "" {
			return "", invalidf("environment variable %s not set", value)
		}
	case "static":
		secret = value
	default:
		// Not a source prefix, the colon is part of a literal secret
		secret = source
	}

	if secret == "" {
		return "", invalidf("secret is required")
	}
	return secret, nil
}
