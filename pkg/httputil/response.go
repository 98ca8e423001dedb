package httputil

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/access-api/pkg/errors"
)

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code    int         `json:"code"`
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
	Fatal   bool        `json:"fatal,omitempty"`
}

// Pagination represents pagination metadata
type Pagination struct {
	Page      int   `json:"page"`
	PageSize  int   `json:"page_size"`
	Total     int64 `json:"total"`
	TotalPage int64 `json:"total_pages"`
}

// PaginatedResponse wraps paginated data
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	RespondWithStatus(c, http.StatusOK, data)
}

// RespondWithStatus sends a success response with an explicit status code.
func RespondWithStatus(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorBody builds the error envelope for err. Internal details never leak.
func ErrorBody(err error) (int, Response) {
	statusCode := http.StatusInternalServerError
	body := &Error{Kind: errors.KindInternal, Message: "internal server error"}

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		statusCode = appErr.StatusCode()
		body.Kind = appErr.Kind
		body.Fatal = appErr.Fatal()
		if appErr.Kind != errors.KindInternal {
			body.Message = appErr.Message
		}
	}
	body.Code = statusCode
	return statusCode, Response{Success: false, Error: body}
}

// RespondWithError sends an error response and records err on the context for the logger.
func RespondWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, body := ErrorBody(err)
	c.AbortWithStatusJSON(status, body)
}

// RespondWithPagination sends a paginated response
func RespondWithPagination(c *gin.Context, data interface{}, page, pageSize int, total int64) {
	var totalPages int64
	if pageSize > 0 {
		totalPages = (total + int64(pageSize) - 1) / int64(pageSize)
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: PaginatedResponse{
			Data: data,
			Pagination: Pagination{
				Page:      page,
				PageSize:  pageSize,
				Total:     total,
				TotalPage: totalPages,
			},
		},
	})
}
