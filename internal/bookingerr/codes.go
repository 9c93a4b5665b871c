// Package bookingerr separates recoverable booking errors, which are returned to
// the caller as structured responses, from internal errors that indicate a
// deployment or store bug.
package bookingerr

import "net/http"

// Code is a machine-readable domain error name.
type Code string

const (
	// Request level
	CodeInvalidAPIRequest          Code = "InvalidAPIRequest"
	CodeInvalidRPDEParameters      Code = "InvalidRPDEParameters"
	CodeUnknownFeed                Code = "UnknownFeed"
	CodeIncompleteCustomerDetails  Code = "IncompleteCustomerDetails"
	CodeTotalPaymentDueMismatch    Code = "TotalPaymentDueMismatch"
	CodeCurrencyMismatch           Code = "CurrencyMismatch"
	CodeMissingPaymentDetails      Code = "MissingPaymentDetails"
	CodeSellerMismatch             Code = "SellerMismatch"
	CodeUnknownOrder               Code = "UnknownOrder"
	CodeOrderAlreadyExists         Code = "OrderAlreadyExists"
	CodeUnableToProcessOrderItem   Code = "UnableToProcessOrderItem"
	CodeOrderProposalVersionStale  Code = "OrderProposalVersionOutOfDate"
	CodeOrderProposalNotAccepted   Code = "OrderProposalNotAccepted"
	CodeOrderProposalNotFound      Code = "UnknownOrderProposal"
	CodeCancellationNotPermitted   Code = "CancellationNotPermitted"
	CodePatchNotAllowed            Code = "PatchNotAllowedOnProperty"
	CodeUnknownOrderItem           Code = "OrderItemIdInvalid"
	CodeUnknownTestAction          Code = "UnknownTestAction"
	CodeCancelled                  Code = "TemporarilyUnableToProduceOrder"
	CodeOpportunityNotFound        Code = "UnknownOpportunity"
	CodeOrderItemIdentifierInvalid Code = "InvalidOrderItemIdentifier"

	// Order item level
	CodeOpportunityIsFull               Code = "OpportunityIsFull"
	CodeOpportunityOfferPairNotBookable Code = "OpportunityOfferPairNotBookable"
	CodeOpportunityHasExpired           Code = "OpportunityHasExpired"
	CodeIncompleteAttendeeDetails       Code = "IncompleteAttendeeDetails"
	CodeInvalidAttendeeDetails          Code = "InvalidAttendeeDetails"
	CodeIncompleteIntakeForm            Code = "IncompleteIntakeForm"
	CodeInvalidIntakeForm               Code = "InvalidIntakeForm"
)

// HTTPStatus returns the status code a domain error is reported with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnknownOrder, CodeUnknownFeed, CodeOrderProposalNotFound, CodeOpportunityNotFound:
		return http.StatusNotFound
	case CodeOrderAlreadyExists, CodeUnableToProcessOrderItem, CodeOrderProposalVersionStale,
		CodeOrderProposalNotAccepted, CodeOpportunityIsFull:
		return http.StatusConflict
	case CodeCancellationNotPermitted, CodeSellerMismatch:
		return http.StatusForbidden
	case CodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// TypeName returns the JSON-LD @type used for this error.
func (c Code) TypeName() string {
	return string(c) + "Error"
}

// InternalCode names a class of internal error.
type InternalCode string

const (
	InternalConfiguration      InternalCode = "InternalLibraryConfigurationError"
	InternalIDTemplateMismatch InternalCode = "InternalIdTemplateTypeMismatch"
	InternalStoreContract      InternalCode = "InternalStoreContractViolation"
	InternalCurrencyMismatch   InternalCode = "InternalCurrencyMismatch"
	InternalTaxSummation       InternalCode = "InternalTaxSummationMismatch"
	InternalUnexpected         InternalCode = "InternalLibraryError"
)
