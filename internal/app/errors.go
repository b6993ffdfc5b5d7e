package app

import "fmt"

// DomainError carries an HTTP-mappable status and machine-readable code for
// errors the service raises deliberately, as opposed to infrastructure
// failures which surface as plain wrapped errors.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
