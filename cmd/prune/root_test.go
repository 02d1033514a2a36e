package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AaronLay10/SentientTrips/internal/app"
	"github.com/AaronLay10/SentientTrips/internal/config"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/storage/storagetest"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

const pruneConfig = `
version: 1
stage: test
environments:
  test:
    host: trips-test.example.com
    aliases: [old-test.example.com]
  production:
    host: trips.example.com
`

type fakeProvider struct {
	numbers  []telephony.Number
	updated  []string
	released []string
}

func (f *fakeProvider) SendMessage(context.Context, telephony.MessageRequest) (string, error) {
	return "", nil
}
func (f *fakeProvider) CreateCall(context.Context, telephony.CallRequest) (string, error) {
	return "", nil
}
func (f *fakeProvider) RedirectCall(context.Context, string, string) error { return nil }
func (f *fakeProvider) ListNumbers(context.Context) ([]telephony.Number, error) {
	return f.numbers, nil
}
func (f *fakeProvider) UpdateNumberWebhooks(_ context.Context, sid, _, _ string) error {
	f.updated = append(f.updated, sid)
	return nil
}
func (f *fakeProvider) ReleaseNumber(_ context.Context, sid string) error {
	f.released = append(f.released, sid)
	return nil
}

func number(sid, phone, host string) telephony.Number {
	return telephony.Number{
		SID:         sid,
		PhoneNumber: phone,
		VoiceURL:    "https://" + host + "/webhooks/calls/incoming",
		SMSURL:      "https://" + host + "/webhooks/messages/incoming",
	}
}

func setup(t *testing.T) (*fakeProvider, loadFunc) {
	t.Helper()
	cfg, err := config.ParseWorkerConfig([]byte(pruneConfig))
	require.NoError(t, err)

	store := storagetest.New(t)
	f := storagetest.Seed(t, store, "version: 1", nil)
	require.NoError(t, store.CreateRelayService(context.Background(), &storage.RelayService{
		Stage: "test", OrgID: f.Org.ID, PhoneNumber: "+15550003000", ServiceSID: "MG3", IsActive: true,
	}))

	provider := &fakeProvider{numbers: []telephony.Number{
		number("PN1", "+15550003000", "trips-test.example.com"),
		number("PN2", "+15550006000", "old-test.example.com"),
		number("PN3", "+15550007000", "trips.example.com"),
	}}
	load := func(path string) (*app.App, error) {
		return app.New(cfg, &config.Secrets{}, store, provider), nil
	}
	return provider, load
}

func execute(t *testing.T, load loadFunc, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(load)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPrunePlansWithoutFlags(t *testing.T) {
	provider, load := setup(t)

	out, err := execute(t, load)
	require.NoError(t, err)

	assert.Contains(t, out, "CULL")
	assert.Contains(t, out, "UPDATE-HOST")
	assert.Contains(t, out, "KEEP")
	assert.Contains(t, out, "stage test: 3 numbers, 1 keep, 1 cull, 1 update-host, 0 skip, 0 executed")
	assert.Empty(t, provider.updated)
	assert.Empty(t, provider.released)
}

func TestPruneExecutesFlags(t *testing.T) {
	provider, load := setup(t)

	out, err := execute(t, load, "--update-hosts", "--delete-numbers")
	require.NoError(t, err)

	assert.Equal(t, []string{"PN2"}, provider.updated)
	assert.Equal(t, []string{"PN1"}, provider.released)
	assert.Contains(t, out, "2 executed")
}

func TestPruneRespectsLimit(t *testing.T) {
	provider, load := setup(t)

	_, err := execute(t, load, "--update-hosts", "--delete-numbers", "--limit", "1")
	require.NoError(t, err)

	assert.Equal(t, []string{"PN1"}, provider.released)
	assert.Empty(t, provider.updated)
}

func TestPruneJSONOutput(t *testing.T) {
	_, load := setup(t)

	out, err := execute(t, load, "--format", "json")
	require.NoError(t, err)

	var got planJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "test", got.Stage)
	require.Len(t, got.Entries, 3)
	assert.Equal(t, "CULL", got.Entries[0].Decision)
	assert.Equal(t, "UPDATE-HOST", got.Entries[1].Decision)
	assert.Equal(t, "KEEP", got.Entries[2].Decision)
	assert.Equal(t, "test", got.Entries[1].Stage)
}

func TestPruneRejectsBadFlags(t *testing.T) {
	_, load := setup(t)

	_, err := execute(t, load, "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")

	_, err = execute(t, load, "--limit", "0")
	assert.ErrorContains(t, err, "must be positive")

	_, err = execute(t, load, "extra")
	assert.Error(t, err)
}
