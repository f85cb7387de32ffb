// Package dispatch gates tool calls: credential checks, per-client rate
// limiting, and the uniform error envelope every tool failure is rendered
// through.
package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

// Principal identifies an authenticated caller.
type Principal struct {
	ClientID  string
	Anonymous bool
}

// tokenClaims is the signed payload of a session token.
type tokenClaims struct {
	ClientID string `json:"clientId"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// Authenticator validates API keys and HMAC session tokens. API keys are
// held as SHA-256 digests and compared in constant time.
type Authenticator struct {
	enabled    bool
	keyDigests [][sha256.Size]byte
	secret     []byte
	tokenTTL   time.Duration
	anonymous  map[string]struct{}
	logger     *slog.Logger
}

// AuthOptions configures the authenticator.
type AuthOptions struct {
	Enabled        bool
	APIKeys        []string
	Secret         string
	TokenTTL       time.Duration
	AllowAnonymous []string
}

func NewAuthenticator(opts AuthOptions, logger *slog.Logger) *Authenticator {
	a := &Authenticator{
		enabled:   opts.Enabled,
		secret:    []byte(opts.Secret),
		tokenTTL:  opts.TokenTTL,
		anonymous: make(map[string]struct{}, len(opts.AllowAnonymous)),
		logger:    logger,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = time.Hour
	}
	for _, k := range opts.APIKeys {
		a.keyDigests = append(a.keyDigests, sha256.Sum256([]byte(k)))
	}
	for _, t := range opts.AllowAnonymous {
		a.anonymous[t] = struct{}{}
	}
	return a
}

// ExtractCredentials pulls a credential out of MCP request metadata. It
// accepts "authorization": "Bearer <tok>" / "ApiKey <key>" plus the
// "apiKey" and "x-api-key" shortcuts.
func ExtractCredentials(meta map[string]interface{}) (scheme, token string) {
	if meta == nil {
		return "", ""
	}
	for _, key := range []string{"authorization", "Authorization"} {
		if raw, ok := meta[key].(string); ok && raw != "" {
			parts := strings.SplitN(raw, " ", 2)
			if len(parts) == 2 {
				return strings.ToLower(parts[0]), strings.TrimSpace(parts[1])
			}
			return "apikey", strings.TrimSpace(raw)
		}
	}
	for _, key := range []string{"apiKey", "x-api-key", "X-API-Key"} {
		if raw, ok := meta[key].(string); ok && raw != "" {
			return "apikey", raw
		}
	}
	return "", ""
}

// Authenticate checks a tool call's credentials. Anonymous-allowed tools
// pass without credentials even when auth is on.
func (a *Authenticator) Authenticate(tool string, meta map[string]interface{}) (*Principal, error) {
	if !a.enabled {
		return &Principal{ClientID: "anonymous", Anonymous: true}, nil
	}
	if _, ok := a.anonymous[tool]; ok {
		if scheme, token := ExtractCredentials(meta); scheme != "" {
			// Credentials on an anonymous tool are still honored when valid,
			// so rate limiting can use the real client id.
			if p, err := a.check(scheme, token); err == nil {
				return p, nil
			}
		}
		return &Principal{ClientID: "anonymous", Anonymous: true}, nil
	}

	scheme, token := ExtractCredentials(meta)
	if scheme == "" {
		return nil, qerr.New(qerr.KindAuthRequired, "credentials required")
	}
	return a.check(scheme, token)
}

func (a *Authenticator) check(scheme, token string) (*Principal, error) {
	switch scheme {
	case "apikey":
		if a.verifyAPIKey(token) {
			return &Principal{ClientID: apiKeyClientID(token)}, nil
		}
		a.logger.Warn("api key rejected")
		return nil, qerr.New(qerr.KindAuthInvalid, "unknown api key")
	case "bearer":
		claims, err := a.verifyToken(token)
		if err != nil {
			a.logger.Warn("bearer token rejected", "error", err)
			return nil, err
		}
		return &Principal{ClientID: claims.ClientID}, nil
	default:
		return nil, qerr.Newf(qerr.KindAuthInvalid, "unsupported credential scheme %q", scheme)
	}
}

func (a *Authenticator) verifyAPIKey(key string) bool {
	digest := sha256.Sum256([]byte(key))
	ok := 0
	for _, want := range a.keyDigests {
		ok |= subtle.ConstantTimeCompare(digest[:], want[:])
	}
	return ok == 1
}

// apiKeyClientID derives a stable, non-reversible client id from a key so
// rate limiting can bucket per key without logging key material.
func apiKeyClientID(key string) string {
	d := sha256.Sum256([]byte(key))
	return "key-" + base64.RawURLEncoding.EncodeToString(d[:6])
}

// IssueToken mints a session token for an already-authenticated client.
func (a *Authenticator) IssueToken(clientID string) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, qerr.New(qerr.KindInternal, "token signing is not configured")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := time.Now()
	exp := now.Add(a.tokenTTL)
	claims := tokenClaims{ClientID: clientID, IssuedAt: now.Unix(), Expires: exp.Unix()}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, qerr.Wrap(err, qerr.KindInternal, "encode token claims")
	}

	body := base64.RawURLEncoding.EncodeToString(payload)
	sig := a.sign(body)
	return body + "." + sig, exp, nil
}

func (a *Authenticator) verifyToken(token string) (*tokenClaims, error) {
	if len(a.secret) == 0 {
		return nil, qerr.New(qerr.KindAuthInvalid, "token auth is not configured")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, qerr.New(qerr.KindAuthInvalid, "malformed token")
	}
	if !hmac.Equal([]byte(a.sign(parts[0])), []byte(parts[1])) {
		return nil, qerr.New(qerr.KindAuthInvalid, "bad token signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, qerr.New(qerr.KindAuthInvalid, "malformed token payload")
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, qerr.New(qerr.KindAuthInvalid, "malformed token claims")
	}
	if time.Now().Unix() >= claims.Expires {
		return nil, qerr.New(qerr.KindAuthInvalid, "token expired")
	}
	return &claims, nil
}

func (a *Authenticator) sign(body string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
