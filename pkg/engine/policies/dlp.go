package policies

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// DLPName is the registry name of the data loss prevention policy.
const DLPName = "dlp"

const defaultDLPOverlap = 256

const dlpSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["rules"],
  "properties": {
    "overlap": {"type": "integer", "minimum": 1},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "pattern"],
        "properties": {
          "name":        {"type": "string", "minLength": 1},
          "pattern":     {"type": "string", "minLength": 1},
          "action":      {"type": "string", "enum": ["redact", "block"]},
          "replacement": {"type": "string"}
        }
      }
    }
  }
}`

// DLPRule declares a pattern and what to do when it matches.
type DLPRule struct {
	Name        string `json:"name"`
	Pattern     string `json:"pattern"`
	Action      string `json:"action,omitempty"`
	Replacement string `json:"replacement,omitempty"`
}

// DLPConfig configures body inspection. Overlap bounds the longest match that is
// still found when it crosses a chunk boundary.
type DLPConfig struct {
	Rules   []DLPRule `json:"rules"`
	Overlap int       `json:"overlap,omitempty"`
}

type dlpRule struct {
	name        string
	expr        *regexp.Regexp
	block       bool
	replacement string
}

// DLP redacts or blocks sensitive content in streamed bodies. It buffers a
// window of the stream, so each instance serves a single call.
type DLP struct {
	rules   []dlpRule
	overlap int

	request  dlpStream
	response dlpStream
}

type dlpStream struct {
	buf        []byte
	redactions int
}

// NewDLP builds the policy from its configuration.
func NewDLP(cfg domain.Configuration) (any, error) {
	var conf DLPConfig
	if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
		return nil, err
	}
	if len(conf.Rules) == 0 {
		return nil, runtime.InvalidConfiguration("dlp: at least one rule is required")
	}

	rules := make([]dlpRule, 0, len(conf.Rules))
	for _, r := range conf.Rules {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, runtime.InvalidConfiguration("dlp: rule name is required")
		}
		expr, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, runtime.InvalidConfiguration("dlp: invalid pattern for rule %s: %v", name, err)
		}
		action := strings.ToLower(r.Action)
		if action == "" {
			action = "redact"
		}
		if action != "redact" && action != "block" {
			return nil, runtime.InvalidConfiguration("dlp: unsupported action %q for rule %s", r.Action, name)
		}
		replacement := r.Replacement
		if replacement == "" {
			replacement = fmt.Sprintf("[REDACTED:%s]", name)
		}
		rules = append(rules, dlpRule{name: name, expr: expr, block: action == "block", replacement: replacement})
	}

	overlap := conf.Overlap
	if overlap <= 0 {
		overlap = defaultDLPOverlap
	}
	return &DLP{rules: rules, overlap: overlap}, nil
}

func (d *DLP) OnRequestChunk(_ context.Context, _ *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	return d.process(&d.request, chunk, false)
}

func (d *DLP) OnRequestEnd(_ context.Context, exec *domain.ExecutionContext) ([]byte, error) {
	out, err := d.process(&d.request, nil, true)
	if err == nil && d.request.redactions > 0 {
		exec.SetAttribute("dlp.request.redactions", d.request.redactions)
	}
	return out, err
}

func (d *DLP) OnResponseChunk(_ context.Context, _ *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	return d.process(&d.response, chunk, false)
}

func (d *DLP) OnResponseEnd(_ context.Context, exec *domain.ExecutionContext) ([]byte, error) {
	out, err := d.process(&d.response, nil, true)
	if err == nil && d.response.redactions > 0 {
		exec.SetAttribute("dlp.response.redactions", d.response.redactions)
	}
	return out, err
}

// process appends chunk to the window and returns the redacted bytes that can
// no longer take part in a match. final releases the whole window.
func (d *DLP) process(s *dlpStream, chunk []byte, final bool) ([]byte, error) {
	s.buf = append(s.buf, chunk...)
	if len(s.buf) == 0 {
		return nil, nil
	}

	emit := len(s.buf)
	if !final {
		emit -= d.overlap
	}

	for _, rule := range d.rules {
		for _, idx := range rule.expr.FindAllIndex(s.buf, -1) {
			if rule.block {
				s.buf = nil
				return nil, domain.NewFailure(domain.FailureForbidden, "content blocked by data loss prevention rule "+rule.name)
			}
			// Keep a match that crosses the boundary whole for the next round.
			if idx[0] < emit && idx[1] > emit {
				emit = idx[0]
			}
		}
	}
	if emit <= 0 {
		return nil, nil
	}

	out := s.buf[:emit]
	for _, rule := range d.rules {
		out = rule.expr.ReplaceAllFunc(out, func(match []byte) []byte {
			s.redactions++
			return []byte(rule.replacement)
		})
	}

	rest := make([]byte, len(s.buf)-emit)
	copy(rest, s.buf[emit:])
	s.buf = rest
	return append([]byte(nil), out...), nil
}
