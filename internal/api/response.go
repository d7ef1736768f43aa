package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackBody is written when a response cannot be encoded.
var fallbackBody = []byte(`{"status":"error","message":"internal server error"}`)

// writeJSONResponse encodes body before touching headers, so an encoding failure still
// yields a well-formed 500 envelope.
func writeJSONResponse(w http.ResponseWriter, code int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error("Server.writeJSONResponse: encode failed", "error", err)
		data, code = fallbackBody, http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Server.writeJSONResponse: write failed", "error", err)
	}
}
