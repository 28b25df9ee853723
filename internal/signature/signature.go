// Package signature verifies inbound webhook payload signatures for the
// common provider schemes plus a configurable custom scheme. Verification
// always runs against the raw body bytes as received on the wire, never
// against a re-serialized form.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hooktrap/hooktrap/config"
)

// Header names used by the named providers.
const (
	stripeSignatureHeader  = "Stripe-Signature"
	shopifySignatureHeader = "X-Shopify-Hmac-Sha256"
	shopifyTimestampHeader = "X-Shopify-Triggered-At"
	githubSignatureHeader  = "X-Hub-Signature-256"
	slackSignatureHeader   = "X-Slack-Signature"
	slackTimestampHeader   = "X-Slack-Request-Timestamp"
)

// Error strings recorded on events. Kept short and stable because they
// surface in recorded payloads and alerts.
const (
	errSecretMissing    = "Secret missing"
	errHeaderMissing    = "Signature header missing"
	errHeaderMalformed  = "Malformed signature header"
	errTimestampMissing = "Timestamp header missing"
	errTimestampStale   = "Timestamp outside tolerance"
	errMismatch         = "Signature mismatch"
)

// Outcome describes one verification. A failed verification never stops
// ingestion; the outcome is recorded on the event instead.
type Outcome struct {
	Valid    bool
	Provider string
	Err      string
}

// Verifier checks payload signatures. The clock is injectable for
// tolerance tests.
type Verifier struct {
	now func() time.Time
}

func New() *Verifier {
	return &Verifier{now: time.Now}
}

// Verify dispatches on the configured provider.
func (v *Verifier) Verify(cfg *config.SignatureVerification, body []byte, header http.Header) Outcome {
	out := Outcome{Provider: cfg.Provider}

	if cfg.Secret == "" {
		out.Err = errSecretMissing
		return out
	}

	switch cfg.Provider {
	case "stripe":
		out.Err = v.verifyStripe(cfg, body, header)
	case "shopify":
		out.Err = v.verifyShopify(cfg, body, header)
	case "github":
		out.Err = verifyGithub(cfg, body, header)
	case "slack":
		out.Err = v.verifySlack(cfg, body, header)
	case "custom":
		out.Err = v.verifyCustom(cfg, body, header)
	default:
		out.Err = "Unknown provider"
	}

	out.Valid = out.Err == ""
	return out
}

// verifyStripe checks a `t=<unix>,v1=<hex>` header. The signed payload is
// `<t>.<raw body>`; any v1 entry may match.
func (v *Verifier) verifyStripe(cfg *config.SignatureVerification, body []byte, header http.Header) string {
	raw := header.Get(stripeSignatureHeader)
	if raw == "" {
		return errHeaderMissing
	}

	var ts string
	var sigs [][]byte
	for _, part := range strings.Split(raw, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return errHeaderMalformed
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			sig, err := hex.DecodeString(val)
			if err != nil {
				return errHeaderMalformed
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return errHeaderMalformed
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errHeaderMalformed
	}
	if !v.withinTolerance(time.Unix(unix, 0), cfg.ToleranceSeconds) {
		return errTimestampStale
	}

	signed := make([]byte, 0, len(ts)+1+len(body))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	want := computeMAC(sha256.New, cfg.Secret, signed)
	for _, sig := range sigs {
		if hmac.Equal(want, sig) {
			return ""
		}
	}
	return errMismatch
}

// verifyShopify checks a base64 HMAC-SHA256 over the raw body. When the
// triggered-at header is present its RFC3339 timestamp must be within
// tolerance.
func (v *Verifier) verifyShopify(cfg *config.SignatureVerification, body []byte, header http.Header) string {
	raw := header.Get(shopifySignatureHeader)
	if raw == "" {
		return errHeaderMissing
	}

	if ts := header.Get(shopifyTimestampHeader); ts != "" {
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return errHeaderMalformed
		}
		if !v.withinTolerance(at, cfg.ToleranceSeconds) {
			return errTimestampStale
		}
	}

	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return errHeaderMalformed
	}
	if !hmac.Equal(computeMAC(sha256.New, cfg.Secret, body), sig) {
		return errMismatch
	}
	return ""
}

// verifyGithub checks a `sha256=<hex>` HMAC over the raw body.
func verifyGithub(cfg *config.SignatureVerification, body []byte, header http.Header) string {
	raw := header.Get(githubSignatureHeader)
	if raw == "" {
		return errHeaderMissing
	}

	hexSig, found := strings.CutPrefix(raw, "sha256=")
	if !found {
		return errHeaderMalformed
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return errHeaderMalformed
	}
	if !hmac.Equal(computeMAC(sha256.New, cfg.Secret, body), sig) {
		return errMismatch
	}
	return ""
}

// verifySlack checks `v0=<hex>` over `v0:<timestamp>:<raw body>` with a
// mandatory unix-seconds timestamp header.
func (v *Verifier) verifySlack(cfg *config.SignatureVerification, body []byte, header http.Header) string {
	raw := header.Get(slackSignatureHeader)
	if raw == "" {
		return errHeaderMissing
	}
	ts := header.Get(slackTimestampHeader)
	if ts == "" {
		return errTimestampMissing
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errHeaderMalformed
	}
	if !v.withinTolerance(time.Unix(unix, 0), cfg.ToleranceSeconds) {
		return errTimestampStale
	}

	hexSig, found := strings.CutPrefix(raw, "v0=")
	if !found {
		return errHeaderMalformed
	}
	sig, err := hex.DecodeString(hexSig)
	if err != nil {
		return errHeaderMalformed
	}

	signed := []byte("v0:" + ts + ":")
	signed = append(signed, body...)
	if !hmac.Equal(computeMAC(sha256.New, cfg.Secret, signed), sig) {
		return errMismatch
	}
	return ""
}

// verifyCustom checks an HMAC over the raw body with header name,
// algorithm, encoding, prefix and optional timestamp header all taken
// from config. The timestamp header, when configured, is required and
// accepts unix seconds or RFC3339.
func (v *Verifier) verifyCustom(cfg *config.SignatureVerification, body []byte, header http.Header) string {
	if cfg.HeaderName == "" {
		return "Signature header name not configured"
	}
	raw := header.Get(cfg.HeaderName)
	if raw == "" {
		return errHeaderMissing
	}

	if cfg.TimestampKey != "" {
		ts := header.Get(cfg.TimestampKey)
		if ts == "" {
			return errTimestampMissing
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			return errHeaderMalformed
		}
		if !v.withinTolerance(at, cfg.ToleranceSeconds) {
			return errTimestampStale
		}
	}

	if cfg.Prefix != "" {
		trimmed, found := strings.CutPrefix(raw, cfg.Prefix)
		if !found {
			return errHeaderMalformed
		}
		raw = trimmed
	}

	var newHash func() hash.Hash
	switch cfg.Algorithm {
	case "sha1":
		newHash = sha1.New
	default:
		newHash = sha256.New
	}

	var sig []byte
	var err error
	switch cfg.Encoding {
	case "base64":
		sig, err = base64.StdEncoding.DecodeString(raw)
	default:
		sig, err = hex.DecodeString(raw)
	}
	if err != nil {
		return errHeaderMalformed
	}

	if !hmac.Equal(computeMAC(newHash, cfg.Secret, body), sig) {
		return errMismatch
	}
	return ""
}

func computeMAC(newHash func() hash.Hash, secret string, payload []byte) []byte {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

func parseTimestamp(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

// withinTolerance accepts timestamps within the configured skew on
// either side of now.
func (v *Verifier) withinTolerance(ts time.Time, toleranceSeconds config.Int) bool {
	tolerance := time.Duration(toleranceSeconds) * time.Second
	d := v.now().Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
