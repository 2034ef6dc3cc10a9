package domain

import "errors"

// Error is a call-failure with a stable machine code. Every failed
// precondition aborts its operation with one of these and no partial
// effect.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

var (
	ErrAlreadyRegistered   = &Error{Code: "ALREADY_REGISTERED", Status: 409, Message: "caller is already registered"}
	ErrUserNotRegistered   = &Error{Code: "USER_NOT_REGISTERED", Status: 403, Message: "caller is not a registered user"}
	ErrNotOwner            = &Error{Code: "NOT_OWNER", Status: 403, Message: "caller is not the contract owner"}
	ErrNotAuthorizedIssuer = &Error{Code: "NOT_AUTHORIZED_ISSUER", Status: 403, Message: "caller is not an authorized issuer"}
	ErrInvalidAmount       = &Error{Code: "INVALID_AMOUNT", Status: 400, Message: "amount must be greater than zero"}
	ErrInvalidPrice        = &Error{Code: "INVALID_PRICE", Status: 400, Message: "price must be greater than zero"}
	ErrCreditNotActive     = &Error{Code: "CREDIT_NOT_ACTIVE", Status: 409, Message: "referenced credit is not active"}
	ErrOrderNotActive      = &Error{Code: "ORDER_NOT_ACTIVE", Status: 409, Message: "order is not active"}
	ErrOrderFulfilled      = &Error{Code: "ORDER_ALREADY_FULFILLED", Status: 409, Message: "order is already fulfilled"}
	ErrNotTheBuyer         = &Error{Code: "NOT_THE_BUYER", Status: 403, Message: "caller is not the order buyer"}
	ErrNotTheSeller        = &Error{Code: "NOT_THE_SELLER", Status: 403, Message: "caller is not the order seller"}
	ErrNotTheIssuer        = &Error{Code: "NOT_THE_ISSUER", Status: 403, Message: "caller is not the credit issuer"}

	// ErrConflict reports a lost balance compare-and-swap race. The
	// losing call applied nothing and may be resubmitted as-is.
	ErrConflict = &Error{Code: "CONFLICT", Status: 409, Message: "concurrent update, resubmit the call"}
)

// AsError unwraps err into a taxonomy *Error when it is one.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
