package middleware

import (
	"context"
	"encoding/json"

	"github.com/zorz/ultra-ecp-sub000/internal/logger"
)

// RequestLog is the built-in observability middleware: it logs every
// dispatched method at debug level. It never blocks or rewrites.
type RequestLog struct {
	log *logger.Logger
}

// NewRequestLog creates the logging middleware.
func NewRequestLog() *RequestLog {
	return &RequestLog{log: logger.Global().WithScope("dispatch")}
}

func (r *RequestLog) Name() string  { return "requestlog" }
func (r *RequestLog) Priority() int { return 0 }

func (r *RequestLog) Before(_ context.Context, method string, params json.RawMessage) Decision {
	r.log.Debug("-> %s (%d param bytes)", method, len(params))
	return Pass()
}

func (r *RequestLog) After(_ context.Context, method string, _ json.RawMessage, _ interface{}) {
	r.log.Debug("<- %s ok", method)
}
