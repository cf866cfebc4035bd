package api

import "net/http"

type ApiError struct {
	StatusCode int    `json:"code"`
	Message    string `json:"message"`
}

func NewUnauthorizedError() ApiError {
	return ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    "unauthorized",
	}
}

func NewInternalServerError() ApiError {
	return ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    "internal server error",
	}
}
