package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Signer computes signature header values for payloads
type Signer struct {
	config Config
	secret string
	now    func() time.Time
}

// NewSigner validates config and resolves its secret
func NewSigner(config Config) (*Signer, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	secret, err := resolveSecret(config.Secret)
	if err != nil {
		return nil, err
	}

	return &Signer{config: config, secret: secret, now: time.Now}, nil
}

// Header returns the name of the header the signature goes in
func (s *Signer) Header() string {
	return s.config.Header
}

// Sign returns the header value for body
func (s *Signer) Sign(body []byte) (string, error) {
	timestamp := ""
	if s.usesTimestamp() {
		timestamp = strconv.FormatInt(s.now().Unix(), 10)
	}

	sig, err := s.compute(s.input(body, timestamp))
	if err != nil {
		return "", err
	}

	return strings.NewReplacer(
		"${signature}", sig,
		"${timestamp}", timestamp,
	).Replace(s.config.Format), nil
}

// Verify checks a header value produced by Sign against body. Receivers of
// routed webhooks use it to authenticate deliveries; the router itself only
// signs.
func (s *Signer) Verify(headerValue string, body []byte) error {
	sig, metadata, err := parseFormat(headerValue, s.config.Format)
	if err != nil {
		return mismatchf(s.config.Header, "%v", err)
	}

	expected, err := s.compute(s.input(body, metadata["timestamp"]))
	if err != nil {
		return err
	}

	// Constant time comparison
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return mismatchf(s.config.Header, "computed value differs")
	}
	return nil
}

func (s *Signer) usesTimestamp() bool {
	return strings.Contains(s.config.Format, "${timestamp}")
}

func (s *Signer) input(body []byte, timestamp string) []byte {
	if !s.usesTimestamp() {
		return body
	}
	return append([]byte(timestamp+"."), body...)
}

// compute calculates the encoded HMAC
func (s *Signer) compute(data []byte) (string, error) {
	var h hash.Hash

	switch s.config.Algorithm {
	case "hmac-sha1":
		h = hmac.New(sha1.New, []byte(s.secret))
	case "hmac-sha256":
		h = hmac.New(sha256.New, []byte(s.secret))
	case "hmac-sha512":
		h = hmac.New(sha512.New, []byte(s.secret))
	default:
		return "", invalidf("unsupported algorithm: %s", s.config.Algorithm)
	}

	h.Write(data)
	sum := h.Sum(nil)

	switch s.config.Encoding {
	case "hex":
		return hex.EncodeToString(sum), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(sum), nil
	default:
		return "", invalidf("unsupported encoding: %s", s.config.Encoding)
	}
}

var varPattern = regexp.MustCompile(`\\\$\\\{(\w+)\\\}`)

// parseFormat extracts the signature and metadata from a header value
func parseFormat(headerValue, format string) (string, map[string]string, error) {
	pattern := regexp.QuoteMeta(format)

	captures := varPattern.FindAllStringSubmatch(pattern, -1)
	for _, capture := range captures {
		pattern = strings.Replace(pattern, capture[0], `([^,\s]+)`, 1)
	}

	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return "", nil, invalidf("invalid format pattern: %v", err)
	}

	matches := re.FindStringSubmatch(headerValue)
	if matches == nil {
		return "", nil, invalidf("header value doesn't match format")
	}

	metadata := make(map[string]string)
	sig := ""
	for i, capture := range captures {
		if i+1 >= len(matches) {
			break
		}
		if capture[1] == "signature" {
			sig = matches[i+1]
		} else {
			metadata[capture[1]] = matches[i+1]
		}
	}

	if sig == "" {
		return "", nil, invalidf("signature not found in header value")
	}
	return sig, metadata, nil
}
