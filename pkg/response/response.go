package response

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodePrecondition      = "PRECONDITION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
)

// Kind classifies a domain error for the HTTP layer
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindInvalid
	KindPrecondition
	KindConflict
)

// Error is a classified domain error. Services declare sentinels with the
// constructors below and wrap them with fmt.Errorf("%w").
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// NotFoundError declares a not-found sentinel
func NotFoundError(msg string) *Error { return &Error{Kind: KindNotFound, Msg: msg} }

// InvalidError declares an invalid-input sentinel
func InvalidError(msg string) *Error { return &Error{Kind: KindInvalid, Msg: msg} }

// PreconditionError declares a precondition sentinel: the call was well formed
// but the target is in the wrong state and nothing was changed
func PreconditionError(msg string) *Error { return &Error{Kind: KindPrecondition, Msg: msg} }

// ConflictError declares a concurrent-modification sentinel
func ConflictError(msg string) *Error { return &Error{Kind: KindConflict, Msg: msg} }

// KindOf returns the classification of err
func KindOf(err error) Kind {
	var appErr *Error
	switch {
	case errors.As(err, &appErr):
		return appErr.Kind
	case errors.Is(err, gorm.ErrRecordNotFound):
		return KindNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return KindConflict
	default:
		return KindInternal
	}
}

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch KindOf(err) {
	case KindNotFound:
		NotFound(c, err.Error())
	case KindInvalid:
		BadRequest(c, err.Error())
	case KindPrecondition:
		Precondition(c, err.Error())
	case KindConflict:
		Conflict(c, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == http.MethodPost {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

func failure(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	failure(c, http.StatusNotFound, ErrCodeNotFound, message)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	failure(c, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	failure(c, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	failure(c, http.StatusTooManyRequests, ErrCodeRateLimited, message)
}

// Precondition sends a 409 response for state preconditions
func Precondition(c *gin.Context, message string) {
	failure(c, http.StatusConflict, ErrCodePrecondition, message)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	failure(c, http.StatusInternalServerError, ErrCodeInternalError, message)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	failure(c, http.StatusConflict, ErrCodeDuplicateResource, message)
}

// BindOptional binds a JSON body when one was sent. An empty body leaves v untouched.
func BindOptional(c *gin.Context, v interface{}) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
