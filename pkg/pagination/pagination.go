package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset= with the package defaults.
func FromContext(c echo.Context) Params {
	return FromContextWith(c, DefaultLimit, MaxLimit)
}

// FromContextWith reads ?limit= and ?offset=, applying def when limit is
// absent or invalid and clamping it to max.
func FromContextWith(c echo.Context, def, max int) Params {
	return Normalize(atoi(c.QueryParam("limit")), atoi(c.QueryParam("offset")), def, max)
}

// Normalize clamps a raw limit and offset.
func Normalize(limit, offset, def, max int) Params {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// Response wraps a paginated API response.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}
