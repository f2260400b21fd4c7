package utils

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorBody 统一错误响应体，Code 对应错误分类（network_failure 等）。
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorBody{Error: message})
}

// RespondErrorCode 发送带分类码的错误响应
func RespondErrorCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorBody{Error: message, Code: code})
}
