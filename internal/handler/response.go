package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiResponse is the uniform envelope of the operator HTTP surface. Code 0
// means success; errors echo the HTTP status so callers can branch on the
// body alone.
type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

// Created is Ok with a 201, for resource-creating endpoints.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}
