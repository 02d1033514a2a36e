// Package telephony is the boundary to the telephony carrier: outbound
// messages and calls, live-call redirects, number inventory, and webhook
// signature checks.
package telephony

import "context"

// MessageRequest is one outbound text.
type MessageRequest struct {
	From       string
	To         string
	Body       string
	MediaURL   string
	ServiceSID string
}

// CallRequest is one outbound call. URL serves the call-control document
// when the callee picks up.
type CallRequest struct {
	From           string
	To             string
	URL            string
	StatusCallback string
	// DetectMachine enables answering-machine detection; the pickup
	// webhook then reports who answered.
	DetectMachine bool
}

// Number is a leased number in the carrier inventory.
type Number struct {
	SID          string
	PhoneNumber  string
	FriendlyName string
	VoiceURL     string
	SMSURL       string
}

// Provider is the carrier API the relay layer and maintenance sweep use.
// Calls are synchronous and never retried.
type Provider interface {
	SendMessage(ctx context.Context, req MessageRequest) (string, error)
	CreateCall(ctx context.Context, req CallRequest) (string, error)
	// RedirectCall points a live call at new call-control markup.
	RedirectCall(ctx context.Context, callSID, url string) error
	ListNumbers(ctx context.Context) ([]Number, error)
	UpdateNumberWebhooks(ctx context.Context, sid, voiceURL, smsURL string) error
	ReleaseNumber(ctx context.Context, sid string) error
}
