// Package maintenance reconciles leased numbers at the carrier with the
// relay directory: it culls idle numbers of free orgs and moves numbers
// still pointing at an old host of this stage onto the canonical host.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/AaronLay10/SentientTrips/internal/alerts"
	"github.com/AaronLay10/SentientTrips/internal/config"
	"github.com/AaronLay10/SentientTrips/internal/events"
	"github.com/AaronLay10/SentientTrips/internal/storage"
	"github.com/AaronLay10/SentientTrips/internal/telephony"
)

// Decision is what the sweep proposes for one number.
type Decision string

const (
	DecisionKeep       Decision = "KEEP"
	DecisionCull       Decision = "CULL"
	DecisionUpdateHost Decision = "UPDATE-HOST"
	DecisionSkip       Decision = "SKIP"
)

// Options selects what a sweep may change. The zero value only plans.
type Options struct {
	DeleteRelays  bool
	DeleteNumbers bool
	UpdateHosts   bool
	// InactiveDays defaults to 30.
	InactiveDays int
	// Limit caps the numbers mutated per run. Defaults to 10.
	Limit int
}

func (o Options) withDefaults() Options {
	if o.InactiveDays <= 0 {
		o.InactiveDays = 30
	}
	if o.Limit <= 0 {
		o.Limit = 10
	}
	return o
}

func (o Options) mutates(d Decision) bool {
	switch d {
	case DecisionCull:
		return o.DeleteRelays || o.DeleteNumbers
	case DecisionUpdateHost:
		return o.UpdateHosts
	}
	return false
}

// Entry is the decision for one leased number.
type Entry struct {
	Number   telephony.Number
	Host     string
	Stage    string
	Decision Decision
	Reason   string
	Executed bool
	Error    string
}

// Plan is the outcome of one sweep, in carrier listing order.
type Plan struct {
	Entries []Entry
	// Executed counts numbers a mutation was attempted on.
	Executed int
}

// Count returns how many entries carry decision d.
func (p *Plan) Count(d Decision) int {
	n := 0
	for _, e := range p.Entries {
		if e.Decision == d {
			n++
		}
	}
	return n
}

// Sweeper runs maintenance sweeps for the configured stage.
type Sweeper struct {
	store    *storage.Client
	provider telephony.Provider
	cfg      *config.WorkerConfig
	reporter alerts.Reporter
	now      func() time.Time
}

// NewSweeper wires a sweeper. reporter may be nil.
func NewSweeper(store *storage.Client, provider telephony.Provider, cfg *config.WorkerConfig, reporter alerts.Reporter) *Sweeper {
	return &Sweeper{store: store, provider: provider, cfg: cfg, reporter: reporter, now: time.Now}
}

// SetClock overrides the wall clock.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// PruneNumbers plans a decision for every leased number, logs the plan,
// then carries out at most opts.Limit mutating decisions the flags allow.
// Mutation errors are collected; the remaining numbers are still tried.
func (s *Sweeper) PruneNumbers(ctx context.Context, opts Options) (*Plan, error) {
	opts = opts.withDefaults()

	numbers, err := s.provider.ListNumbers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list numbers: %w", err)
	}

	threshold := s.now().UTC().AddDate(0, 0, -opts.InactiveDays)
	plan := &Plan{Entries: make([]Entry, 0, len(numbers))}
	for _, n := range numbers {
		e, err := s.classify(ctx, n, threshold)
		if err != nil {
			return nil, fmt.Errorf("classify %s: %w", n.PhoneNumber, err)
		}
		plan.Entries = append(plan.Entries, e)
		events.Emit("info", "maintenance.decision", e.Reason, map[string]interface{}{
			"number":   n.PhoneNumber,
			"host":     e.Host,
			"stage":    e.Stage,
			"decision": string(e.Decision),
		})
	}
	events.Emit("info", "maintenance.plan", "", map[string]interface{}{
		"numbers":     len(plan.Entries),
		"keep":        plan.Count(DecisionKeep),
		"cull":        plan.Count(DecisionCull),
		"update_host": plan.Count(DecisionUpdateHost),
		"skip":        plan.Count(DecisionSkip),
		"limit":       opts.Limit,
	})

	var errs []error
	for i := range plan.Entries {
		e := &plan.Entries[i]
		if !opts.mutates(e.Decision) {
			continue
		}
		if plan.Executed >= opts.Limit {
			events.Emit("warn", "maintenance.skipped", "limit reached", map[string]interface{}{
				"number": e.Number.PhoneNumber,
				"limit":  opts.Limit,
			})
			continue
		}

		plan.Executed++
		if err := s.execute(ctx, e, opts); err != nil {
			e.Error = err.Error()
			errs = append(errs, fmt.Errorf("%s %s: %w", e.Decision, e.Number.PhoneNumber, err))
			continue
		}
		e.Executed = true
		events.Emit("info", "maintenance.executed", "", map[string]interface{}{
			"number":   e.Number.PhoneNumber,
			"decision": string(e.Decision),
		})
	}

	if err := errors.Join(errs...); err != nil {
		if s.reporter != nil {
			s.reporter.Report(alerts.AlertSweepFailed, alerts.SeverityWarning, "", err.Error(), map[string]interface{}{
				"failures": len(errs),
			})
		}
		return plan, err
	}
	return plan, nil
}

func (s *Sweeper) classify(ctx context.Context, n telephony.Number, threshold time.Time) (Entry, error) {
	e := Entry{Number: n, Decision: DecisionKeep}

	e.Host = hostOf(n.VoiceURL)
	if e.Host == "" {
		e.Decision, e.Reason = DecisionSkip, "no webhook host"
		return e, nil
	}
	stage, canonical, ok := s.cfg.StageForHost(e.Host)
	if !ok {
		e.Decision, e.Reason = DecisionSkip, "unknown host"
		return e, nil
	}
	e.Stage = stage
	if stage != s.cfg.Stage {
		e.Reason = "belongs to " + stage
		return e, nil
	}
	if !canonical {
		e.Decision, e.Reason = DecisionUpdateHost, "alias host"
		return e, nil
	}

	org, err := s.owner(ctx, n.PhoneNumber)
	if err != nil {
		return e, err
	}
	if org == nil {
		e.Reason = "no owning org"
		return e, nil
	}
	if org.Tier != storage.TierFree {
		e.Reason = "org tier " + org.Tier
		return e, nil
	}

	last, err := s.store.LastRelayActivity(ctx, n.PhoneNumber)
	if err != nil {
		return e, fmt.Errorf("last activity: %w", err)
	}
	if last != nil && last.After(threshold) {
		e.Reason = "active since " + last.Format(time.RFC3339)
		return e, nil
	}
	e.Decision, e.Reason = DecisionCull, "inactive"
	return e, nil
}

// owner finds the org a number is dedicated to. Shared pool numbers and
// numbers nothing refers to have none.
func (s *Sweeper) owner(ctx context.Context, number string) (*storage.Org, error) {
	svc, err := s.store.GetRelayServiceByNumber(ctx, number)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("relay service: %w", err)
	}
	if svc.OrgID == "" {
		return nil, nil
	}
	org, err := s.store.GetOrg(ctx, svc.OrgID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("org: %w", err)
	}
	return org, nil
}

func (s *Sweeper) execute(ctx context.Context, e *Entry, opts Options) error {
	switch e.Decision {
	case DecisionUpdateHost:
		host := s.cfg.Environments[e.Stage].Host
		return s.provider.UpdateNumberWebhooks(ctx, e.Number.SID,
			withHost(e.Number.VoiceURL, host), withHost(e.Number.SMSURL, host))
	case DecisionCull:
		if opts.DeleteRelays {
			if _, err := s.store.DeactivateRelaysForNumber(ctx, e.Number.PhoneNumber); err != nil {
				return fmt.Errorf("deactivate relays: %w", err)
			}
			if err := s.store.DeactivateRelayService(ctx, e.Number.PhoneNumber); err != nil {
				return fmt.Errorf("deactivate relay service: %w", err)
			}
		}
		if opts.DeleteNumbers {
			if err := s.provider.ReleaseNumber(ctx, e.Number.SID); err != nil {
				return fmt.Errorf("release number: %w", err)
			}
		}
		return nil
	default:
		return fmt.Errorf("decision %s does not mutate", e.Decision)
	}
}

func hostOf(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// withHost swaps the host of raw, keeping scheme, path and query. Empty or
// unparseable URLs are returned unchanged.
func withHost(raw, host string) string {
	if raw == "" || host == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Host = host
	return u.String()
}
