package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// BindAndValidate decodes the JSON body into out and validates it. On
// failure the 400 response is already written and the error is returned so
// the handler can stop.
func BindAndValidate(c *gin.Context, out any, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return err
	}
	if err := v.Struct(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": Messages(err)})
		return err
	}
	return nil
}

// Messages flattens validation errors to a map keyed by the JSON path of
// the offending field, without the root struct name ("criteria.origin").
func Messages(err error) map[string]string {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"error": err.Error()}
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		msg := fmt.Sprintf("failed %q rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q rule: %s", fe.Tag(), fe.Param())
		}
		out[path] = msg
	}
	return out
}
