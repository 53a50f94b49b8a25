package core

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// SecurityToken is an opaque bearer credential minted by a TokenProvider.
type SecurityToken struct {
	Token    string
	Audience string
	Expiry   time.Time
}

// Expired reports whether t is no longer valid at the given instant.
func (t SecurityToken) Expired(at time.Time) bool {
	return !t.Expiry.After(at)
}

// TokenProvider mints short-lived bearer credentials. It is a sum type
// over credential kind (SAS key, pre-signed SAS string, managed identity),
// not an inheritance hierarchy: callers only ever see this one interface.
type TokenProvider interface {
	GetToken(ctx context.Context, audience string, validFor time.Duration) (SecurityToken, error)
}

// sasKeyProvider mints tokens from a key name + key value pair.
type sasKeyProvider struct {
	keyName string
	key     string
}

// NewSASKeyProvider returns a TokenProvider that signs tokens with an
// HMAC-SHA256 key, per spec's SAS variant. keyName and key must each be
// 1..256 characters.
func NewSASKeyProvider(keyName, key string) (TokenProvider, error) {
	if l := len(keyName); l < 1 || l > 256 {
		return nil, NewError(KindValidation, "", "sas key name must be 1..256 chars, got %d", l)
	}
	if l := len(key); l < 1 || l > 256 {
		return nil, NewError(KindValidation, "", "sas key must be 1..256 chars, got %d", l)
	}
	return &sasKeyProvider{keyName: keyName, key: key}, nil
}

func (p *sasKeyProvider) GetToken(_ context.Context, audience string, validFor time.Duration) (SecurityToken, error) {
	if audience == "" {
		return SecurityToken{}, NewError(KindValidation, "", "audience must not be empty")
	}
	if validFor < 0 {
		return SecurityToken{}, NewError(KindValidation, "", "validFor must be non-negative")
	}
	normalized, err := NormalizeAudience(audience)
	if err != nil {
		return SecurityToken{}, err
	}
	expiry := time.Now().Add(validFor).Truncate(time.Second)
	expirySeconds := expiry.Unix()

	encodedAudience := url.QueryEscape(normalized)
	stringToSign := encodedAudience + "\n" + strconv.FormatInt(expirySeconds, 10)

	mac := hmac.New(sha256.New, []byte(p.key))
	mac.Write([]byte(stringToSign))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d&skn=%s",
		encodedAudience, url.QueryEscape(sig), expirySeconds, p.keyName)

	return SecurityToken{Token: token, Audience: normalized, Expiry: expiry}, nil
}

// presignedProvider returns a fixed, pre-signed SAS string verbatim.
type presignedProvider struct {
	signature string
	parsed    SecurityToken
}

// NewPresignedProvider wraps an already-minted SAS string. The audience
// embedded in the signature's sr= field is extracted eagerly so callers
// can inspect it via ParseSecurityToken semantics.
func NewPresignedProvider(signature string) (TokenProvider, error) {
	parsed, err := ParseSecurityToken(signature)
	if err != nil {
		return nil, err
	}
	return &presignedProvider{signature: signature, parsed: parsed}, nil
}

func (p *presignedProvider) GetToken(_ context.Context, _ string, _ time.Duration) (SecurityToken, error) {
	return SecurityToken{Token: p.signature, Audience: p.parsed.Audience, Expiry: p.parsed.Expiry}, nil
}

// managedIdentityProvider mints tokens from an externally supplied
// oauth2.TokenSource. Acquisition of the underlying credential (e.g. via
// Azure managed identity) is an external collaborator abstracted behind
// this TokenSource seam; this package never talks to a credential service
// directly.
type managedIdentityProvider struct {
	source oauth2.TokenSource
}

// NewManagedIdentityProvider wraps source as a TokenProvider. validFor is
// ignored: the token's lifetime is whatever the source reports.
func NewManagedIdentityProvider(source oauth2.TokenSource) TokenProvider {
	return &managedIdentityProvider{source: source}
}

func (p *managedIdentityProvider) GetToken(_ context.Context, audience string, _ time.Duration) (SecurityToken, error) {
	tok, err := p.source.Token()
	if err != nil {
		return SecurityToken{}, NewError(KindAuthorizationFailed, "", "managed identity token acquisition: %w", err)
	}
	normalized, err := NormalizeAudience(audience)
	if err != nil {
		return SecurityToken{}, err
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(1 * time.Hour)
	}
	return SecurityToken{Token: tok.AccessToken, Audience: normalized, Expiry: expiry}, nil
}

// NormalizeAudience canonicalizes an audience URI: http scheme, no query,
// trailing slash, default port elided.
func NormalizeAudience(audience string) (string, error) {
	if audience == "" {
		return "", NewError(KindValidation, "", "audience must not be empty")
	}
	u, err := url.Parse(audience)
	if err != nil {
		return "", NewError(KindValidation, "", "invalid audience %q: %w", audience, err)
	}
	u.Scheme = "http"
	u.RawQuery = ""
	u.Fragment = ""
	if host, port, ok := strings.Cut(u.Host, ":"); ok && (port == "80" || port == "443") {
		u.Host = host
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return u.String(), nil
}

// ParseSecurityToken decodes a "key=value&..." SAS string with URL-decoded
// values, requiring at minimum Audience/sr and ExpiresOn/se.
func ParseSecurityToken(raw string) (SecurityToken, error) {
	fields := make(map[string]string)
	body := raw
	if idx := strings.Index(raw, " "); idx >= 0 {
		body = raw[idx+1:]
	}
	for _, part := range strings.Split(body, "&") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		decoded, err := url.QueryUnescape(v)
		if err != nil {
			decoded = v
		}
		fields[k] = decoded
	}

	audience, ok := fields["sr"]
	if !ok {
		audience, ok = fields["Audience"]
	}
	if !ok || audience == "" {
		return SecurityToken{}, NewError(KindValidation, "", "security token missing Audience/sr field")
	}

	expiryRaw, ok := fields["se"]
	if !ok {
		expiryRaw, ok = fields["ExpiresOn"]
	}
	if !ok || expiryRaw == "" {
		return SecurityToken{}, NewError(KindValidation, "", "security token missing ExpiresOn/se field")
	}
	expirySeconds, err := strconv.ParseInt(expiryRaw, 10, 64)
	if err != nil {
		return SecurityToken{}, NewError(KindValidation, "", "invalid expiry %q: %w", expiryRaw, err)
	}

	return SecurityToken{
		Token:    raw,
		Audience: audience,
		Expiry:   time.Unix(expirySeconds, 0).UTC(),
	}, nil
}
