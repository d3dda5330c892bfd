// Package kaipoke drives the target scheduling application through its
// interactive UI to persist attendance records. The Engine is a state
// machine over a Driver, which performs the actual browser interactions;
// the chromedp implementation lives in chrome.go.
package kaipoke

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// ErrAuthentication marks rejected credentials. There is no point continuing
// a run without a session, so this error is fatal to the whole run.
var ErrAuthentication = errors.New("kaipoke authentication error")

// ValidationError is a rejection surfaced by the target application itself,
// such as a conflicting time window or an unknown beneficiary. It is fatal
// to the record, never to the run.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation rejected: " + e.Reason
}

// State is a position in the UI flow.
type State int

const (
	StateLoggedOut State = iota
	StateLoggedIn
	StateBillingArea
	StateOfficeScoped
	StateBeneficiaryRegister
	StateMonthSelected
	StateBeneficiarySelected
	StateFormOpen
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateLoggedIn:
		return "logged_in"
	case StateBillingArea:
		return "billing_area"
	case StateOfficeScoped:
		return "office_scoped_area"
	case StateBeneficiaryRegister:
		return "beneficiary_register"
	case StateMonthSelected:
		return "month_selected"
	case StateBeneficiarySelected:
		return "beneficiary_selected"
	case StateFormOpen:
		return "form_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Driver performs the individual browser interactions. Every method moves
// the UI by one named transition and depends only on stable identifying
// markers of each control, never on page layout incidentals. Login wraps
// ErrAuthentication only when the credentials themselves are rejected;
// timeouts and network faults come back unwrapped.
type Driver interface {
	Login(ctx context.Context) error
	OpenBillingArea(ctx context.Context) error
	OpenOfficeArea(ctx context.Context) error
	OpenBeneficiaryRegister(ctx context.Context) error
	SelectServiceMonth(ctx context.Context, year int, month time.Month) error
	SelectBeneficiary(ctx context.Context, name string) error
	OpenEntryForm(ctx context.Context, day int) error
	FillEntryForm(ctx context.Context, rec types.AttendanceRecord) error
	SubmitEntryForm(ctx context.Context) error
	CloseEntryForm(ctx context.Context) error
	Close() error
}

// Engine submits attendance records one at a time through a single
// interactive session. It is strictly single-threaded.
type Engine struct {
	driver Driver
	logger *logrus.Logger
	state  State
}

// NewEngine creates an engine in the LoggedOut state.
func NewEngine(driver Driver, logger *logrus.Logger) *Engine {
	return &Engine{
		driver: driver,
		logger: logger,
		state:  StateLoggedOut,
	}
}

// State returns the engine's current position in the UI flow.
func (e *Engine) State() State {
	return e.state
}

// Login establishes the session. A credential rejection is run-fatal;
// any other login fault (timeout, network) stays recoverable so the next
// cycle retries it.
func (e *Engine) Login(ctx context.Context) error {
	if e.state != StateLoggedOut {
		return nil
	}
	if err := e.driver.Login(ctx); err != nil {
		if errors.Is(err, ErrAuthentication) {
			return err
		}
		return fmt.Errorf("login: %w", err)
	}
	e.state = StateLoggedIn
	e.logger.Info("Logged in to target application")
	return nil
}

// NavigateToRegister walks the fixed transition sequence from the logged-in
// landing page to the beneficiary register. The register is session-level
// state, reused across records.
func (e *Engine) NavigateToRegister(ctx context.Context) error {
	steps := []struct {
		fn func(context.Context) error
		to State
	}{
		{e.driver.OpenBillingArea, StateBillingArea},
		{e.driver.OpenOfficeArea, StateOfficeScoped},
		{e.driver.OpenBeneficiaryRegister, StateBeneficiaryRegister},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			e.state = StateLoggedIn
			return fmt.Errorf("failed to reach %s: %w", step.to, err)
		}
		e.state = step.to
	}
	e.logger.Debug("On beneficiary register")
	return nil
}

// Submit persists one record through the entry form and reports the outcome.
// Whatever happens, the engine tries to leave the session back on the
// beneficiary register so the next record can proceed.
func (e *Engine) Submit(ctx context.Context, rec types.AttendanceRecord) types.Outcome {
	if e.state != StateBeneficiaryRegister {
		if err := e.NavigateToRegister(ctx); err != nil {
			return types.Outcome{Record: rec, Status: types.TransientFailure, Reason: err.Error()}
		}
	}

	err := e.submitSteps(ctx, rec)
	if err == nil {
		e.state = StateBeneficiaryRegister
		return types.Outcome{Record: rec, Status: types.Succeeded}
	}

	var vErr *ValidationError
	if errors.As(err, &vErr) {
		// Fatal to the record only: close the form and stay on the register.
		if e.state == StateFormOpen {
			if cerr := e.driver.CloseEntryForm(ctx); cerr != nil {
				e.logger.WithError(cerr).Warn("Failed to close rejected form, re-navigating")
				e.recover(ctx)
			} else {
				e.state = StateBeneficiaryRegister
			}
		} else {
			e.recover(ctx)
		}
		return types.Outcome{Record: rec, Status: types.RejectedByValidation, Reason: vErr.Reason}
	}

	// Transient fault somewhere mid-flow: one re-navigation so the session
	// is left in a known-good state.
	e.recover(ctx)
	return types.Outcome{Record: rec, Status: types.TransientFailure, Reason: err.Error()}
}

// submitSteps runs the per-record transition chain. The normalizer
// guarantees End is strictly after Start on the same calendar date, so the
// form only ever sees the single non-overnight case.
func (e *Engine) submitSteps(ctx context.Context, rec types.AttendanceRecord) error {
	if err := e.driver.SelectServiceMonth(ctx, rec.ServiceDate.Year(), rec.ServiceDate.Month()); err != nil {
		return fmt.Errorf("select service month: %w", err)
	}
	e.state = StateMonthSelected

	if err := e.driver.SelectBeneficiary(ctx, rec.Name); err != nil {
		return fmt.Errorf("select beneficiary: %w", err)
	}
	e.state = StateBeneficiarySelected

	if err := e.driver.OpenEntryForm(ctx, rec.ServiceDate.Day()); err != nil {
		return fmt.Errorf("open entry form: %w", err)
	}
	e.state = StateFormOpen

	if err := e.driver.FillEntryForm(ctx, rec); err != nil {
		return fmt.Errorf("fill entry form: %w", err)
	}
	if err := e.driver.SubmitEntryForm(ctx); err != nil {
		return err
	}
	return nil
}

// recover attempts one re-navigation back to the beneficiary register.
func (e *Engine) recover(ctx context.Context) {
	e.state = StateLoggedIn
	if err := e.NavigateToRegister(ctx); err != nil {
		e.logger.WithError(err).Warn("Re-navigation to register failed")
	}
}

// SubmitAll submits records in input order, one at a time. Every record gets
// an outcome; no outcome kind stops the batch.
func (e *Engine) SubmitAll(ctx context.Context, records []types.AttendanceRecord) []types.Outcome {
	outcomes := make([]types.Outcome, 0, len(records))
	for _, rec := range records {
		// Cooperative stop between records, never mid-submit.
		if ctx.Err() != nil {
			break
		}
		outcome := e.Submit(ctx, rec)
		e.logger.WithFields(logrus.Fields{
			"record": rec.Summary(),
			"status": outcome.Status.String(),
			"reason": outcome.Reason,
		}).Info("Record submitted")
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Close shuts down the underlying driver.
func (e *Engine) Close() error {
	return e.driver.Close()
}
