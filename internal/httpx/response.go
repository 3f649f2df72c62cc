package httpx

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"

	"github.com/ageniuscoder/palchat/backend/internal/utils"
)

func OK(c *gin.Context, v any) {
	c.JSON(200, v)
}

func Err(c *gin.Context, code int, msg any) {
	c.JSON(code, gin.H{"error": msg})
}

// Status maps an error kind to its HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, errors.Unauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errors.Forbidden):
		return http.StatusForbidden
	case errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.AlreadyExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Error writes err with the status of its kind. Internal errors are
// reported without detail.
func Error(c *gin.Context, err error) {
	code := Status(err)
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		Err(c, code, "internal error")
		return
	}
	Err(c, code, err.Error())
}

// BindJSON binds and validates the request body, writing a 400 on failure.
func BindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			Err(c, http.StatusBadRequest, utils.ValidationErr(validationErrors))
			return false
		}
		Err(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// ParamInt64 parses a positive integer path parameter.
func ParamInt64(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		Err(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}
