package dispatch

import (
	"errors"
	"log/slog"

	"github.com/qsys-tools/mcp-bridge/internal/qerr"
)

// Dispatcher is the per-call admission pipeline: authenticate, then rate
// limit. It is transport-agnostic; the MCP layer hands it the tool name and
// request metadata.
type Dispatcher struct {
	auth    *Authenticator
	limiter *Limiter
	logger  *slog.Logger
}

func New(auth *Authenticator, limiter *Limiter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{auth: auth, limiter: limiter, logger: logger}
}

// Admit runs the gate for one tool call and returns the caller's principal.
func (d *Dispatcher) Admit(tool string, meta map[string]interface{}) (*Principal, error) {
	p, err := d.auth.Authenticate(tool, meta)
	if err != nil {
		return nil, err
	}
	if err := d.limiter.Allow(p.ClientID); err != nil {
		return nil, err
	}
	return p, nil
}

// Auth exposes the authenticator for token issuance.
func (d *Dispatcher) Auth() *Authenticator {
	return d.auth
}

// ErrorEnvelope is the uniform tool failure shape.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Envelope renders any error as the uniform failure shape, redacting
// credentials and endpoints from the message.
func Envelope(err error) ErrorEnvelope {
	kind := qerr.KindOf(err)
	body := ErrorBody{
		Code:    string(kind),
		Message: qerr.Redact(err.Error()),
	}
	var qe *qerr.Error
	if errors.As(err, &qe) && len(qe.Details) > 0 {
		body.Details = qe.Details
	}
	return ErrorEnvelope{Error: body}
}
