package telephony

import (
	"errors"
	"fmt"

	twilioclient "github.com/twilio/twilio-go/client"
)

// Carrier error codes the relay layer treats specially.
const (
	CodeRegionNotPermitted = 21408
	CodeUnsubscribed       = 21610
	CodeUnreachable        = 21612
	CodeNotMobile          = 21614
)

// ProviderError is a carrier rejection with its error code.
type ProviderError struct {
	Code    int
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (status %d): %s", e.Code, e.Status, e.Message)
}

// Class is how a provider error is handled.
type Class int

const (
	// ClassError is logged as an error and reported.
	ClassError Class = iota
	// ClassDrop is ignored silently.
	ClassDrop
	// ClassWarn is logged to the trip audit log as a warning.
	ClassWarn
)

func (c Class) String() string {
	switch c {
	case ClassDrop:
		return "drop"
	case ClassWarn:
		return "warn"
	default:
		return "error"
	}
}

// Classify maps an error from a Provider call to its handling class.
func Classify(err error) Class {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return ClassError
	}
	switch pe.Code {
	case CodeUnsubscribed, CodeNotMobile:
		return ClassDrop
	case CodeRegionNotPermitted, CodeUnreachable:
		return ClassWarn
	default:
		return ClassError
	}
}

// fromTwilio converts a twilio-go REST error into a ProviderError.
func fromTwilio(err error) error {
	if err == nil {
		return nil
	}
	var te *twilioclient.TwilioRestError
	if errors.As(err, &te) {
		return &ProviderError{Code: te.Code, Status: te.Status, Message: te.Message}
	}
	return err
}
