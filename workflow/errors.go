package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// GatewayError kinds. Kind is diagnostic; Retryable is what callers branch on.
const (
	GatewayErrKindTransport   = "transport"
	GatewayErrKindRateLimited = "rate_limited"
	GatewayErrKindUpstream    = "upstream"
	GatewayErrKindValidation  = "validation"
	GatewayErrKindNotFound    = "not_found"
	GatewayErrKindAuth        = "auth"

	// GatewayErrKindDuplicatePaymentLink is MatterPay telling us the link for
	// this matter already exists. Callers treat it as success and read the
	// stored URL back from the ledger.
	GatewayErrKindDuplicatePaymentLink = "duplicate_payment_link"
)

// GatewayError is any failed call to LeadRail or MatterPay. Retryable means
// redelivering the webhook can succeed (timeouts, 429s, 5xx); non-retryable
// means the request itself is wrong and a retry will fail the same way.
type GatewayError struct {
	System     string
	Op         string
	StatusCode int
	Kind       string
	Retryable  bool
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s failed", e.System, e.Op)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " (%d %s)", e.StatusCode, e.Kind)
	} else if e.Kind != "" {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	} else if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsDuplicatePaymentLink reports the duplicate-link signal from MatterPay.
func IsDuplicatePaymentLink(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Kind == GatewayErrKindDuplicatePaymentLink
}

// IsRetryableGateway reports whether err is a gateway failure a webhook
// redelivery could clear.
func IsRetryableGateway(err error) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Retryable
}

// NotFoundError is terminal: the referenced entity does not exist in the
// named system and redelivery cannot create it.
type NotFoundError struct {
	System string
	Entity string
	Id     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s %q not found", e.System, e.Entity, e.Id)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// IncompleteDataError is the poller giving up: after Attempts checks the
// named sub-conditions were still false. It means "not ready yet", never
// "broken"; the sender's redelivery restarts the wait.
type IncompleteDataError struct {
	Missing  []string
	Attempts int
}

func (e *IncompleteDataError) Error() string {
	return fmt.Sprintf("data incomplete after %d attempts: still missing %s",
		e.Attempts, strings.Join(e.Missing, ", "))
}

func IsIncompleteData(err error) bool {
	var ide *IncompleteDataError
	return errors.As(err, &ide)
}
