package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	xerrors "ChainTrader/internal/errors"
	"ChainTrader/internal/session"
)

type errorBody struct {
	Error session.ResultError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(xerrors.CodeOf(err)), errorBody{Error: resultError(err)})
}

func resultError(err error) session.ResultError {
	return session.ResultError{Kind: string(xerrors.CodeOf(err)), Message: xerrors.MessageOf(err)}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
	}
	return nil
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeSchemaViolation, xerrors.CodeUnknownFunction:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeUnknownAgent:
		return http.StatusNotFound
	case xerrors.CodeDuplicateID, xerrors.CodeNoActiveAgent:
		return http.StatusConflict
	case xerrors.CodeInvalidKey:
		return http.StatusUnprocessableEntity
	case xerrors.CodeConnectionFailed, xerrors.CodeModelFailure, xerrors.CodeChainRejected:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
