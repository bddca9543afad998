package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStatus matches every non-2xx response from the query API.
var ErrStatus = errors.New("client: unexpected status")

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return ErrStatus }

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error struct {
			Description string `json:"description"`
		} `json:"error"`
		Message string `json:"message"`
	}
	msg := string(body)
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error.Description != "":
			msg = payload.Error.Description
		case payload.Message != "":
			msg = payload.Message
		}
	}
	return &APIError{Status: status, Message: msg}
}
