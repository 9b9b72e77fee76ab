package serviceclient

import (
	"errors"
	"fmt"
)

type ServiceError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *ServiceError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("service error %d: %s", e.StatusCode, string(e.Body))
	}
	return fmt.Sprintf("service error %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
