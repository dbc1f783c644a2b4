// Package presign issues the time-boxed signed URLs that authorize a
// streaming-recognition WebSocket connection without a prior handshake.
package presign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/eumlab/speechbridge/internal/language"
)

// ErrUnconfiguredCredentials is returned when signing is attempted without a
// key pair. Callers treat it as a deployment problem, not a client error.
var ErrUnconfiguredCredentials = errors.New("signing credentials are not configured")

const (
	algorithm     = "AWS4-HMAC-SHA256"
	service       = "transcribe"
	signingSuffix = "aws4_request"
	streamPath    = "/stream-transcription-websocket"
	mediaEncoding = "pcm"

	// SHA-256 of an empty string; the signed handshake carries no payload.
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	// Endpoint overrides the default streaming host:port when set.
	Endpoint  string
	ExpiresIn time.Duration
}

type SignedURL struct {
	URL          string
	LanguageCode string
	ExpiresIn    time.Duration
}

type Signer struct {
	accessKeyID string
	secret      string
	region      string
	endpoint    string
	expiresIn   time.Duration
}

func NewSigner(cfg Config) *Signer {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("transcribestreaming.%s.amazonaws.com:8443", cfg.Region)
	}
	return &Signer{
		accessKeyID: cfg.AccessKeyID,
		secret:      cfg.SecretAccessKey,
		region:      cfg.Region,
		endpoint:    endpoint,
		expiresIn:   cfg.ExpiresIn,
	}
}

// Sign builds the presigned wss URL for one streaming connection. Output is
// byte-identical for identical inputs and clock value.
func (s *Signer) Sign(languageCode string, sampleRate int, now time.Time) (SignedURL, error) {
	if s.accessKeyID == "" || s.secret == "" {
		return SignedURL{}, ErrUnconfiguredCredentials
	}
	lang, ok := language.Normalize(languageCode)
	if !ok {
		return SignedURL{}, fmt.Errorf("%w: %q", language.ErrUnsupported, languageCode)
	}

	now = now.UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	scope := strings.Join([]string{dateStamp, s.region, service, signingSuffix}, "/")

	query := canonicalQuery(map[string]string{
		"X-Amz-Algorithm":     algorithm,
		"X-Amz-Credential":    s.accessKeyID + "/" + scope,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       strconv.Itoa(int(s.expiresIn.Seconds())),
		"X-Amz-SignedHeaders": "host",
		"language-code":       lang,
		"media-encoding":      mediaEncoding,
		"sample-rate":         strconv.Itoa(sampleRate),
	})

	canonicalRequest := strings.Join([]string{
		"GET",
		streamPath,
		query,
		"host:" + s.endpoint,
		"",
		"host",
		emptyPayloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hashHex(canonicalRequest),
	}, "\n")

	key := []byte("AWS4" + s.secret)
	for _, part := range []string{dateStamp, s.region, service, signingSuffix} {
		key = hmacSHA256(key, part)
	}
	signature := hex.EncodeToString(hmacSHA256(key, stringToSign))

	slog.Info("issued presigned streaming url",
		"language_code", lang,
		"expires_in_seconds", int(s.expiresIn.Seconds()),
		"signed_at", amzDate)

	return SignedURL{
		URL:          "wss://" + s.endpoint + streamPath + "?" + query + "&X-Amz-Signature=" + signature,
		LanguageCode: lang,
		ExpiresIn:    s.expiresIn,
	}, nil
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// canonicalQuery sorts parameters by key and percent-encodes them the way
// the signature scheme expects: uppercase hex escapes, only unreserved
// characters left literal. url.Values.Encode is close but encodes spaces
// as '+', which would not survive signature verification.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, uriEscape(k)+"="+uriEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

func uriEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		isUnreserved := c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~'
		if isUnreserved {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}
