// Package storagetest opens throwaway SQLite stores and seeds fixtures for
// tests in other packages.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AaronLay10/SentientTrips/internal/storage"
)

// New opens a store backed by a file in t.TempDir.
func New(t testing.TB) *storage.Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trips.db")
	c, err := storage.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("storage.Open() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// Fixture is a seeded org, experience, script and trip.
type Fixture struct {
	Org        *storage.Org
	Experience *storage.Experience
	Script     *storage.Script
	Trip       *storage.Trip
}

// Seed creates one trip running content. Players are added per role with
// the given phone numbers.
func Seed(t testing.TB, c *storage.Client, content string, players map[string]string) *Fixture {
	t.Helper()
	ctx := context.Background()

	f := &Fixture{
		Org:        &storage.Org{Name: "Test Org", Tier: storage.TierFree},
		Experience: &storage.Experience{Title: "Test Experience"},
	}
	if err := c.CreateOrg(ctx, f.Org); err != nil {
		t.Fatalf("CreateOrg() failed: %v", err)
	}
	f.Experience.OrgID = f.Org.ID
	if err := c.CreateExperience(ctx, f.Experience); err != nil {
		t.Fatalf("CreateExperience() failed: %v", err)
	}
	f.Script = &storage.Script{ExperienceID: f.Experience.ID, Revision: 1, Content: content, IsActive: true}
	if err := c.CreateScript(ctx, f.Script); err != nil {
		t.Fatalf("CreateScript() failed: %v", err)
	}
	f.Trip = &storage.Trip{
		OrgID:        f.Org.ID,
		ExperienceID: f.Experience.ID,
		ScriptID:     f.Script.ID,
		Title:        "Test Trip",
	}
	if err := c.CreateTrip(ctx, f.Trip); err != nil {
		t.Fatalf("CreateTrip() failed: %v", err)
	}
	for role, phone := range players {
		p := &storage.Player{TripID: f.Trip.ID, RoleName: role, Name: role, PhoneNumber: phone}
		if err := c.CreatePlayer(ctx, p); err != nil {
			t.Fatalf("CreatePlayer(%s) failed: %v", role, err)
		}
	}
	return f
}
