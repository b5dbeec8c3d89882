package policies

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// JWTName is the registry name of the JWT policy.
const JWTName = "jwt"

// Attribute keys published by the JWT policy.
const (
	AttributeJWTSubject = "jwt.subject"
	AttributeJWTClaims  = "jwt.claims"
)

const jwtSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "secret":             {"type": "string"},
    "secret_env":         {"type": "string"},
    "issuer":             {"type": "string"},
    "audience":           {"type": "string"},
    "header":             {"type": "string"},
    "scheme":             {"type": "string"},
    "algorithms":         {"type": "array", "items": {"type": "string", "enum": ["HS256", "HS384", "HS512"]}},
    "leeway_seconds":     {"type": "integer", "minimum": 0},
    "require_expiration": {"type": "boolean"},
    "strip_token":        {"type": "boolean"}
  }
}`

// JWTConfig configures HMAC bearer token validation.
type JWTConfig struct {
	Secret            string   `json:"secret,omitempty"`
	SecretEnv         string   `json:"secret_env,omitempty"`
	Issuer            string   `json:"issuer,omitempty"`
	Audience          string   `json:"audience,omitempty"`
	Header            string   `json:"header,omitempty"`
	Scheme            string   `json:"scheme,omitempty"`
	Algorithms        []string `json:"algorithms,omitempty"`
	LeewaySeconds     int      `json:"leeway_seconds,omitempty"`
	RequireExpiration *bool    `json:"require_expiration,omitempty"`
	StripToken        bool     `json:"strip_token,omitempty"`
}

// JWT validates the bearer token of each request and publishes its claims as
// execution attributes for later policies.
type JWT struct {
	key    []byte
	parser *jwt.Parser
	header string
	scheme string
	strip  bool
}

// NewJWT builds the policy from its configuration.
func NewJWT(cfg domain.Configuration) (any, error) {
	var conf JWTConfig
	if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
		return nil, err
	}

	secret := conf.Secret
	if conf.SecretEnv != "" {
		secret = os.Getenv(conf.SecretEnv)
	}
	if secret == "" {
		return nil, runtime.InvalidConfiguration("jwt: secret or secret_env is required")
	}

	algorithms := conf.Algorithms
	if len(algorithms) == 0 {
		algorithms = []string{"HS256", "HS384", "HS512"}
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(algorithms)}
	if conf.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(conf.Issuer))
	}
	if conf.Audience != "" {
		opts = append(opts, jwt.WithAudience(conf.Audience))
	}
	if conf.LeewaySeconds > 0 {
		opts = append(opts, jwt.WithLeeway(time.Duration(conf.LeewaySeconds)*time.Second))
	}
	if conf.RequireExpiration == nil || *conf.RequireExpiration {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	header := conf.Header
	if header == "" {
		header = "Authorization"
	}
	scheme := conf.Scheme
	if scheme == "" && strings.EqualFold(header, "Authorization") {
		scheme = "Bearer"
	}

	return &JWT{
		key:    []byte(secret),
		parser: jwt.NewParser(opts...),
		header: header,
		scheme: scheme,
		strip:  conf.StripToken,
	}, nil
}

func (j *JWT) OnRequest(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	raw, ok := j.token(exec.Request.Headers.Get(j.header))
	if !ok {
		return runtime.Action{}, domain.NewFailure(domain.FailureUnauthorized, "missing bearer token")
	}

	claims := jwt.MapClaims{}
	if _, err := j.parser.ParseWithClaims(raw, claims, j.keyFunc); err != nil {
		msg := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return runtime.Action{}, domain.NewFailure(domain.FailureUnauthorized, msg).WithCause(err)
	}

	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		exec.SetAttribute(AttributeJWTSubject, sub)
	}
	exec.SetAttribute(AttributeJWTClaims, map[string]any(claims))
	for name, value := range claims {
		if s, ok := value.(string); ok {
			exec.SetAttribute("jwt.claim."+name, s)
		}
	}

	if j.strip {
		exec.Request.Headers.Del(j.header)
	}
	return runtime.Continue(), nil
}

func (j *JWT) token(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	if j.scheme == "" {
		return value, true
	}
	prefix, rest, found := strings.Cut(value, " ")
	if !found || !strings.EqualFold(prefix, j.scheme) {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	return rest, rest != ""
}

func (j *JWT) keyFunc(*jwt.Token) (any, error) {
	return j.key, nil
}
