package port

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict means the listing's stored version moved under
	// the caller. Re-read and retry; never surfaced to a user.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrListingNotFound is returned by version-checked writes against a
	// listing that does not exist.
	ErrListingNotFound = errors.New("listing not found")
)

type GatewayErrorClass string

const (
	// GatewayTransient covers timeouts, 5xx and rate limiting. Safe to retry
	// with backoff.
	GatewayTransient GatewayErrorClass = "transient"

	// GatewayPermanent covers not-found, already-sold and other definitive
	// rejections. Never retried; drives a state transition instead.
	GatewayPermanent GatewayErrorClass = "permanent"

	// GatewayAuth is a credential failure. Escalated urgently and trips the
	// placement circuit.
	GatewayAuth GatewayErrorClass = "auth"

	// GatewayInsufficientFunds means the marketplace account balance cannot
	// cover the order. Fatal until the balance is replenished.
	GatewayInsufficientFunds GatewayErrorClass = "insufficient_funds"
)

// Machine codes carried by GatewayError.Code.
const (
	CodeNotFound            = "not_found"
	CodeAlreadySold         = "already_sold"
	CodeRateLimited         = "rate_limited"
	CodeCircuitOpen         = "circuit_open"
	CodeBadRequest          = "bad_request"
	CodeNetworkError        = "network_error"
	CodeAuthFailed          = "auth_failed"
	CodeInsufficientBalance = "insufficient_balance"
)

// GatewayError classifies a failed platform call. Adapters construct it;
// services branch on the class and code, never on raw HTTP details.
type GatewayError struct {
	Gateway    string // "storefront" or "marketplace"
	Class      GatewayErrorClass
	Code       string
	HTTPStatus int
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s gateway: %s (%s)", e.Gateway, e.Code, e.Class)
	if e.HTTPStatus != 0 {
		msg = fmt.Sprintf("%s http=%d", msg, e.HTTPStatus)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

func gatewayClass(err error) (GatewayErrorClass, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Class, true
	}
	return "", false
}

func gatewayCode(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

func IsTransient(err error) bool {
	class, ok := gatewayClass(err)
	return ok && class == GatewayTransient
}

func IsPermanent(err error) bool {
	class, ok := gatewayClass(err)
	return ok && class == GatewayPermanent
}

func IsAuthFailure(err error) bool {
	class, ok := gatewayClass(err)
	return ok && class == GatewayAuth
}

func IsInsufficientFunds(err error) bool {
	class, ok := gatewayClass(err)
	return ok && class == GatewayInsufficientFunds
}

func IsNotFound(err error) bool    { return gatewayCode(err) == CodeNotFound }
func IsAlreadySold(err error) bool { return gatewayCode(err) == CodeAlreadySold }
func IsCircuitOpen(err error) bool { return gatewayCode(err) == CodeCircuitOpen }

// DataIntegrityError flags listing data too broken to act on (missing price,
// unparseable payload). Never retried; the listing is held for manual review.
type DataIntegrityError struct {
	MarketplacePid int64
	Reason         string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("listing %d: data integrity: %s", e.MarketplacePid, e.Reason)
}

func IsDataIntegrity(err error) bool {
	var de *DataIntegrityError
	return errors.As(err, &de)
}
