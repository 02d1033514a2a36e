// Package relay masks participants' real numbers behind leased numbers. The
// Directory owns relay records; the Controller sends messages and places
// calls through them.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// ErrNoRelayService is returned when no pool number can serve a new relay.
var ErrNoRelayService = errors.New("relay: no relay service available")

// Spec describes the relay a role pair needs. ForPhoneNumber "" makes a
// wildcard relay that answers any participant.
type Spec struct {
	OrgID          string
	ExperienceID   string
	TripID         string
	ForRole        string
	WithRole       string
	AsRole         string
	ForPhoneNumber string
}

// Directory finds and creates relays within one stage.
type Directory struct {
	store *storage.Client
	stage string
}

func NewDirectory(store *storage.Client, stage string) *Directory {
	return &Directory{store: store, stage: stage}
}

// Stage is the environment the directory serves.
func (d *Directory) Stage() string {
	return d.stage
}

func (d *Directory) key(spec Spec) storage.RelayKey {
	return storage.RelayKey{
		Stage:          d.stage,
		TripID:         spec.TripID,
		ForRoleName:    spec.ForRole,
		WithRoleName:   spec.WithRole,
		AsRoleName:     spec.AsRole,
		ForPhoneNumber: spec.ForPhoneNumber,
	}
}

// EnsureRelay returns the relay for spec, creating it when missing. created
// reports whether this call inserted it. Concurrent callers converge on one
// row through the unique index.
func (d *Directory) EnsureRelay(ctx context.Context, spec Spec) (*storage.Relay, bool, error) {
	if spec.WithRole == "" {
		spec.WithRole = spec.AsRole
	}

	existing, err := d.store.FindRelay(ctx, d.key(spec))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("find relay: %w", err)
	}

	svc, err := d.pickService(ctx, spec)
	if err != nil {
		return nil, false, err
	}
	return d.insert(ctx, spec, svc)
}

// EnsureRelayOn is EnsureRelay with the leased number fixed, for relays
// born from an inbound text on a known pool number.
func (d *Directory) EnsureRelayOn(ctx context.Context, spec Spec, svc *storage.RelayService) (*storage.Relay, bool, error) {
	if spec.WithRole == "" {
		spec.WithRole = spec.AsRole
	}
	existing, err := d.store.FindRelay(ctx, d.key(spec))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("find relay: %w", err)
	}
	return d.insert(ctx, spec, svc)
}

func (d *Directory) insert(ctx context.Context, spec Spec, svc *storage.RelayService) (*storage.Relay, bool, error) {
	r := &storage.Relay{
		Stage:              d.stage,
		OrgID:              spec.OrgID,
		ExperienceID:       spec.ExperienceID,
		TripID:             spec.TripID,
		ForRoleName:        spec.ForRole,
		WithRoleName:       spec.WithRole,
		AsRoleName:         spec.AsRole,
		ForPhoneNumber:     spec.ForPhoneNumber,
		RelayPhoneNumber:   svc.PhoneNumber,
		MessagingServiceID: svc.ServiceSID,
		IsActive:           true,
	}
	created, err := d.store.InsertRelayIfAbsent(ctx, r)
	if err != nil {
		return nil, false, fmt.Errorf("insert relay: %w", err)
	}
	if created {
		return r, true, nil
	}

	existing, err := d.store.FindRelay(ctx, d.key(spec))
	if err != nil {
		return nil, false, fmt.Errorf("reload relay: %w", err)
	}
	return existing, false, nil
}

// pickService prefers numbers dedicated to the org, then the shared pool,
// skipping numbers the participant already sees for another relay.
func (d *Directory) pickService(ctx context.Context, spec Spec) (*storage.RelayService, error) {
	services, err := d.store.ListRelayServices(ctx, d.stage, spec.OrgID)
	if err != nil {
		return nil, fmt.Errorf("list relay services: %w", err)
	}
	for i := range services {
		inUse, err := d.store.RelayNumberInUse(ctx, d.stage, services[i].PhoneNumber, spec.ForPhoneNumber)
		if err != nil {
			return nil, fmt.Errorf("check relay number: %w", err)
		}
		if !inUse {
			return &services[i], nil
		}
	}
	return nil, ErrNoRelayService
}

// Find looks up an existing relay, falling back from the participant-bound
// relay to the wildcard one.
func (d *Directory) Find(ctx context.Context, spec Spec) (*storage.Relay, error) {
	if spec.WithRole == "" {
		spec.WithRole = spec.AsRole
	}
	r, err := d.store.FindRelay(ctx, d.key(spec))
	if err == nil || !errors.Is(err, storage.ErrNotFound) || spec.ForPhoneNumber == "" {
		return r, err
	}
	spec.ForPhoneNumber = ""
	return d.store.FindRelay(ctx, d.key(spec))
}

// Opposite finds the relay the dialled role uses to reach the caller: its
// for-role is toRole and it presents the caller's role.
func (d *Directory) Opposite(ctx context.Context, r *storage.Relay, toRole, toPhone string) (*storage.Relay, error) {
	return d.Find(ctx, Spec{
		TripID:         r.TripID,
		ForRole:        toRole,
		WithRole:       r.ForRoleName,
		AsRole:         r.ForRoleName,
		ForPhoneNumber: toPhone,
	})
}

// Resolve maps an inbound call or text to its relay.
func (d *Directory) Resolve(ctx context.Context, relayNumber, participantNumber string) (*storage.Relay, error) {
	return d.store.FindRelayByNumbers(ctx, d.stage, relayNumber, participantNumber)
}
