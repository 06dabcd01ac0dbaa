package app

import "fmt"

// DomainError carries the status and code a handler responds with. Err, when set, is the cause kept for logs.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

// wrapDomainError keeps cause behind a client-facing status and code.
func wrapDomainError(status int, code, message string, cause error) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Err: cause}
}
