package errors

import "errors"

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or an empty
// code.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries code.
func HasCode(err error, code Code) bool {
	return err != nil && GetCode(err) == code
}

func hasCategory(err error, c Category) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == c
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasCategory(err, CategoryValidation) }

// IsAuthentication reports whether err is a token authentication failure.
func IsAuthentication(err error) bool { return hasCategory(err, CategoryAuthentication) }

// IsAuthorization reports whether err is an authorization failure such as
// cross-realm access.
func IsAuthorization(err error) bool { return hasCategory(err, CategoryAuthorization) }

// IsInternal reports whether err is an internal failure.
func IsInternal(err error) bool { return hasCategory(err, CategoryInternal) }

// IsUnavailable reports whether err is a dependency availability failure.
func IsUnavailable(err error) bool { return hasCategory(err, CategoryUnavailable) }

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool { return hasCategory(err, CategoryTimeout) }

// IsRetryable reports whether a single bounded retry is acceptable. Only
// key fetch failures and dependency outages or timeouts qualify; every
// token verdict is terminal.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Retryable()
}

// IsClientError reports whether err maps to a 4xx status.
func IsClientError(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	s := e.HTTPStatus()
	return s >= 400 && s < 500
}

// IsServerError reports whether err maps to a 5xx status. Errors outside
// the taxonomy count as server errors.
func IsServerError(err error) bool {
	if err == nil {
		return false
	}
	e, ok := AsError(err)
	if !ok {
		return true
	}
	return e.HTTPStatus() >= 500
}
