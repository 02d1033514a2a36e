package telephony

import (
	"net/http"

	twilioclient "github.com/twilio/twilio-go/client"
)

// SignatureHeader carries the carrier's request signature.
const SignatureHeader = "X-Twilio-Signature"

// Validator checks that a webhook request was signed by the carrier.
type Validator struct {
	validator twilioclient.RequestValidator
}

func NewValidator(authToken string) *Validator {
	return &Validator{validator: twilioclient.NewRequestValidator(authToken)}
}

// ValidateRequest checks r against the public URL the carrier called. The
// form must already be parsed.
func (v *Validator) ValidateRequest(r *http.Request, publicURL string) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(publicURL, params, sig)
}
