package policies

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-gateway/internal/governance"
	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// RateLimitName is the registry name of the rate limit policy.
const RateLimitName = "rate-limit"

const attributeRateLimitDecision = "ratelimit.decision"

const rateLimitSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "requests_per_second": {"type": "number", "minimum": 0},
    "burst":               {"type": "integer", "minimum": 1},
    "key":                 {"type": "string"},
    "fail_open":           {"type": "boolean"},
    "redis": {
      "type": "object",
      "additionalProperties": false,
      "required": ["address"],
      "properties": {
        "address":    {"type": "string", "minLength": 1},
        "password":   {"type": "string"},
        "db":         {"type": "integer", "minimum": 0},
        "limit":      {"type": "integer", "minimum": 1},
        "window":     {"type": "string"},
        "key_prefix": {"type": "string"}
      }
    }
  }
}`

// RateLimitConfig configures the quota. Without a redis section the quota is a
// local token bucket per key.
type RateLimitConfig struct {
	RequestsPerSecond float64               `json:"requests_per_second,omitempty"`
	Burst             int                   `json:"burst,omitempty"`
	Key               string                `json:"key,omitempty"`
	FailOpen          bool                  `json:"fail_open,omitempty"`
	Redis             *RedisRateLimitConfig `json:"redis,omitempty"`
}

// RedisRateLimitConfig selects the shared fixed-window quota.
type RedisRateLimitConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Window    string `json:"window,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// RateLimit rejects requests over quota with 429 and reports the quota on
// responses.
type RateLimit struct {
	limiter  governance.Limiter
	key      string
	failOpen bool
	logger   *slog.Logger
}

// NewRateLimitFactory returns the factory of the rate limit policy.
func NewRateLimitFactory(logger *slog.Logger) runtime.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cfg domain.Configuration) (any, error) {
		var conf RateLimitConfig
		if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
			return nil, err
		}
		return newRateLimit(conf, logger)
	}
}

func newRateLimit(conf RateLimitConfig, logger *slog.Logger) (*RateLimit, error) {
	key := conf.Key
	if key == "" {
		key = "${request.remote_ip}"
	}

	var limiter governance.Limiter
	if conf.Redis != nil {
		window := time.Second
		if conf.Redis.Window != "" {
			d, err := time.ParseDuration(conf.Redis.Window)
			if err != nil || d <= 0 {
				return nil, runtime.InvalidConfiguration("rate-limit: invalid window %q", conf.Redis.Window)
			}
			window = d
		}
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Address,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		limiter = governance.NewRedisLimiter(client, governance.RedisLimiterConfig{
			Limit:     conf.Redis.Limit,
			Window:    window,
			KeyPrefix: conf.Redis.KeyPrefix,
		})
	} else {
		limiter = governance.NewLocalLimiter(governance.LocalLimiterConfig{
			RequestsPerSecond: conf.RequestsPerSecond,
			BurstSize:         conf.Burst,
		})
	}

	return &RateLimit{limiter: limiter, key: key, failOpen: conf.FailOpen, logger: logger}, nil
}

func (r *RateLimit) OnRequest(ctx context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	values := templateValues(exec)
	values["request.remote_ip"] = remoteIP(exec.Request.RemoteAddr)
	key := render(r.key, values)
	key = apiID(exec) + ":" + key

	decision, err := r.limiter.Allow(ctx, key)
	if err != nil {
		if r.failOpen && errors.Is(err, governance.ErrLimiterUnavailable) {
			r.logger.Warn("rate limiter unavailable, allowing request",
				"api_id", apiID(exec),
				"request_id", exec.Request.ID,
				"error", err,
			)
			return runtime.Continue(), nil
		}
		return runtime.Action{}, domain.NewFailure(domain.FailureExecution, "rate limiter unavailable").WithCause(err)
	}

	if !decision.Allowed {
		return runtime.Action{}, rateLimited(exec, decision)
	}
	exec.SetAttribute(attributeRateLimitDecision, decision)
	return runtime.Continue(), nil
}

func (r *RateLimit) OnResponse(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	if v, ok := exec.Attribute(attributeRateLimitDecision); ok {
		if decision, ok := v.(governance.Decision); ok {
			for k, vs := range governance.RateLimitHeaders(decision) {
				exec.Response.Headers[k] = vs
			}
		}
	}
	return runtime.Continue(), nil
}

// Close releases the redis client, if any.
func (r *RateLimit) Close() error {
	if closer, ok := r.limiter.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func rateLimited(exec *domain.ExecutionContext, decision governance.Decision) *domain.Failure {
	const message = "rate limit exceeded"
	headers := governance.RateLimitHeaders(decision)
	headers.Set("Content-Type", "application/json")
	body, _ := json.Marshal(domain.ErrorResponse{
		Code:      string(domain.FailureRateLimited),
		Message:   message,
		RequestID: exec.Request.ID,
	})
	return domain.NewFailure(domain.FailureRateLimited, message).WithResponse(&domain.Response{
		Status:  http.StatusTooManyRequests,
		Headers: headers,
		Body:    body,
	})
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.TrimSpace(addr)
	}
	return host
}
