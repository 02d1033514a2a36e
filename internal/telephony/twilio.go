package telephony

import (
	"context"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

const numbersPageSize = 100

// Twilio implements Provider with the Twilio REST API.
type Twilio struct {
	api *openapi.ApiService
}

func NewTwilio(accountSID, authToken string) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Twilio{api: client.Api}
}

func (t *Twilio) SendMessage(ctx context.Context, req MessageRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(req.To)
	params.SetBody(req.Body)
	if req.ServiceSID != "" {
		params.SetMessagingServiceSid(req.ServiceSID)
	} else {
		params.SetFrom(req.From)
	}
	if req.MediaURL != "" {
		params.SetMediaUrl([]string{req.MediaURL})
	}

	msg, err := t.api.CreateMessage(params)
	if err != nil {
		return "", fromTwilio(err)
	}
	return deref(msg.Sid), nil
}

func (t *Twilio) CreateCall(ctx context.Context, req CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(req.URL)
	params.SetMethod("POST")
	if req.StatusCallback != "" {
		params.SetStatusCallback(req.StatusCallback)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"completed"})
	}
	if req.DetectMachine {
		params.SetMachineDetection("Enable")
	}

	call, err := t.api.CreateCall(params)
	if err != nil {
		return "", fromTwilio(err)
	}
	return deref(call.Sid), nil
}

func (t *Twilio) RedirectCall(ctx context.Context, callSID, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetUrl(url)
	params.SetMethod("POST")
	_, err := t.api.UpdateCall(callSID, params)
	return fromTwilio(err)
}

func (t *Twilio) ListNumbers(ctx context.Context) ([]Number, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := &openapi.ListIncomingPhoneNumberParams{}
	params.SetPageSize(numbersPageSize)

	records, err := t.api.ListIncomingPhoneNumber(params)
	if err != nil {
		return nil, fromTwilio(err)
	}
	numbers := make([]Number, 0, len(records))
	for _, r := range records {
		numbers = append(numbers, Number{
			SID:          deref(r.Sid),
			PhoneNumber:  deref(r.PhoneNumber),
			FriendlyName: deref(r.FriendlyName),
			VoiceURL:     deref(r.VoiceUrl),
			SMSURL:       deref(r.SmsUrl),
		})
	}
	return numbers, nil
}

func (t *Twilio) UpdateNumberWebhooks(ctx context.Context, sid, voiceURL, smsURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateIncomingPhoneNumberParams{}
	params.SetVoiceUrl(voiceURL)
	params.SetSmsUrl(smsURL)
	_, err := t.api.UpdateIncomingPhoneNumber(sid, params)
	return fromTwilio(err)
}

func (t *Twilio) ReleaseNumber(ctx context.Context, sid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fromTwilio(t.api.DeleteIncomingPhoneNumber(sid, &openapi.DeleteIncomingPhoneNumberParams{}))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
