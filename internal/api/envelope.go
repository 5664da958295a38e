package api

import (
	"encoding/json"
	"net/http"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/executor"
)

// CodeRateLimited 表示请求被限流。
const CodeRateLimited xerrors.Code = "RATE_LIMITED"

func init() {
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "too many requests",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

// Envelope 是所有工具调用的统一响应结构。
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:    http.StatusBadRequest,
	xerrors.CodeUnsupported:        http.StatusBadRequest,
	xerrors.CodeNotFound:           http.StatusNotFound,
	xerrors.CodeUnauthorized:       http.StatusUnauthorized,
	xerrors.CodeNoLiquidity:        http.StatusUnprocessableEntity,
	xerrors.CodeInsufficientGas:    http.StatusUnprocessableEntity,
	xerrors.CodeQuoteExpired:       http.StatusConflict,
	executor.CodeVenueSubstitution: http.StatusConflict,
	xerrors.CodeNoQuotesAvailable:  http.StatusBadGateway,
	xerrors.CodeSubmissionFailed:   http.StatusBadGateway,
	xerrors.CodeTimeout:            http.StatusGatewayTimeout,
	xerrors.CodePendingUnknown:     http.StatusAccepted,
	xerrors.CodeStorageFailure:     http.StatusServiceUnavailable,
	xerrors.CodeQueueFailure:       http.StatusServiceUnavailable,
	xerrors.CodeInitFailure:        http.StatusServiceUnavailable,
	CodeRateLimited:                http.StatusTooManyRequests,
}

func statusFor(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data})
}

// writeError 将错误映射为信封。PENDING_UNKNOWN 仍附带交易哈希，调用方可以自行追踪。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	env := Envelope{Success: false, Error: err.Error(), Code: string(code)}
	if coded, ok := xerrors.From(err); ok {
		env.Error = coded.Message()
		if meta := coded.Metadata(); len(meta) > 0 {
			env.Data = meta
		}
	}
	writeJSON(w, statusFor(code), env)
}
