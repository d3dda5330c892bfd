package kaipoke

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// fakeDriver scripts per-step failures and records the call sequence.
type fakeDriver struct {
	calls []string

	loginErr     error
	submitErrFor map[string]error // keyed by beneficiary name
	selectErrFor map[string]error
	closeErr     error

	current string // beneficiary of the in-flight record
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		submitErrFor: make(map[string]error),
		selectErrFor: make(map[string]error),
	}
}

func (d *fakeDriver) Login(ctx context.Context) error {
	d.calls = append(d.calls, "login")
	return d.loginErr
}

func (d *fakeDriver) OpenBillingArea(ctx context.Context) error {
	d.calls = append(d.calls, "billing")
	return nil
}

func (d *fakeDriver) OpenOfficeArea(ctx context.Context) error {
	d.calls = append(d.calls, "office")
	return nil
}

func (d *fakeDriver) OpenBeneficiaryRegister(ctx context.Context) error {
	d.calls = append(d.calls, "register")
	return nil
}

func (d *fakeDriver) SelectServiceMonth(ctx context.Context, year int, month time.Month) error {
	d.calls = append(d.calls, "month")
	return nil
}

func (d *fakeDriver) SelectBeneficiary(ctx context.Context, name string) error {
	d.calls = append(d.calls, "beneficiary:"+name)
	d.current = name
	return d.selectErrFor[name]
}

func (d *fakeDriver) OpenEntryForm(ctx context.Context, day int) error {
	d.calls = append(d.calls, "open_form")
	return nil
}

func (d *fakeDriver) FillEntryForm(ctx context.Context, rec types.AttendanceRecord) error {
	d.calls = append(d.calls, "fill")
	return nil
}

func (d *fakeDriver) SubmitEntryForm(ctx context.Context) error {
	d.calls = append(d.calls, "submit")
	return d.submitErrFor[d.current]
}

func (d *fakeDriver) CloseEntryForm(ctx context.Context) error {
	d.calls = append(d.calls, "close_form")
	return d.closeErr
}

func (d *fakeDriver) Close() error { return nil }

func count(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func testEngine(driver Driver) *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewEngine(driver, logger)
}

func record(name string, day int) types.AttendanceRecord {
	return types.AttendanceRecord{
		Name:        name,
		ServiceDate: time.Date(2025, time.August, day, 0, 0, 0, 0, time.UTC),
		Start:       types.ClockTime(9 * 60),
		End:         types.ClockTime(12 * 60),
		Office:      "Station A",
	}
}

func TestLoginTransition(t *testing.T) {
	driver := newFakeDriver()
	e := testEngine(driver)

	require.Equal(t, StateLoggedOut, e.State())
	require.NoError(t, e.Login(context.Background()))
	assert.Equal(t, StateLoggedIn, e.State())

	// Login is idempotent within a session.
	require.NoError(t, e.Login(context.Background()))
	assert.Equal(t, 1, count(driver.calls, "login"))
}

func TestLoginCredentialRejectionIsAuthenticationError(t *testing.T) {
	driver := newFakeDriver()
	driver.loginErr = fmt.Errorf("%w: still on login page, credentials rejected", ErrAuthentication)
	e := testEngine(driver)

	err := e.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, StateLoggedOut, e.State())
}

func TestLoginTransientFailureIsRetryable(t *testing.T) {
	driver := newFakeDriver()
	driver.loginErr = errors.New("waiting for selector timed out")
	e := testEngine(driver)

	err := e.Login(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthentication, "a timeout is not a credential rejection")
	assert.Equal(t, StateLoggedOut, e.State())

	// The fault cleared; the next attempt goes back to the driver.
	driver.loginErr = nil
	require.NoError(t, e.Login(context.Background()))
	assert.Equal(t, StateLoggedIn, e.State())
	assert.Equal(t, 2, count(driver.calls, "login"))
}

func TestNavigateToRegister(t *testing.T) {
	driver := newFakeDriver()
	e := testEngine(driver)
	require.NoError(t, e.Login(context.Background()))

	require.NoError(t, e.NavigateToRegister(context.Background()))
	assert.Equal(t, StateBeneficiaryRegister, e.State())
	assert.Equal(t, []string{"login", "billing", "office", "register"}, driver.calls)
}

func TestSubmitSuccess(t *testing.T) {
	driver := newFakeDriver()
	e := testEngine(driver)
	require.NoError(t, e.Login(context.Background()))

	// Submit navigates to the register on its own when needed.
	outcome := e.Submit(context.Background(), record("Tanaka", 29))
	assert.Equal(t, types.Succeeded, outcome.Status)
	assert.Equal(t, StateBeneficiaryRegister, e.State())
	assert.Equal(t, 1, count(driver.calls, "billing"))
	assert.Equal(t, 1, count(driver.calls, "submit"))
}

func TestSubmitAllIsolatesValidationRejection(t *testing.T) {
	driver := newFakeDriver()
	driver.submitErrFor["Suzuki"] = &ValidationError{Reason: "conflicting time window"}
	e := testEngine(driver)
	require.NoError(t, e.Login(context.Background()))

	records := []types.AttendanceRecord{
		record("Tanaka", 29),
		record("Suzuki", 29),
		record("Sato", 30),
	}
	outcomes := e.SubmitAll(context.Background(), records)

	require.Len(t, outcomes, 3)
	assert.Equal(t, types.Succeeded, outcomes[0].Status)
	assert.Equal(t, types.RejectedByValidation, outcomes[1].Status)
	assert.Equal(t, "conflicting time window", outcomes[1].Reason)
	assert.Equal(t, types.Succeeded, outcomes[2].Status)

	// After the rejection, the form was closed and the session was back on
	// the register, ready for the next record.
	assert.Equal(t, 1, count(driver.calls, "close_form"))
	assert.Equal(t, StateBeneficiaryRegister, e.State())

	// The session-level navigation was not repeated per record.
	assert.Equal(t, 1, count(driver.calls, "billing"))
}

func TestSubmitTransientFailureReNavigates(t *testing.T) {
	driver := newFakeDriver()
	driver.selectErrFor["Suzuki"] = errors.New("element not found in time")
	e := testEngine(driver)
	require.NoError(t, e.Login(context.Background()))

	outcomes := e.SubmitAll(context.Background(), []types.AttendanceRecord{
		record("Suzuki", 29),
		record("Sato", 30),
	})

	require.Len(t, outcomes, 2)
	assert.Equal(t, types.TransientFailure, outcomes[0].Status)
	assert.Equal(t, types.Succeeded, outcomes[1].Status)

	// One initial navigation plus one recovery re-navigation.
	assert.Equal(t, 2, count(driver.calls, "billing"))
	assert.Equal(t, StateBeneficiaryRegister, e.State())
}

func TestSubmitAllStopsBetweenRecordsOnCancel(t *testing.T) {
	driver := newFakeDriver()
	e := testEngine(driver)
	require.NoError(t, e.Login(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := e.SubmitAll(ctx, []types.AttendanceRecord{record("Tanaka", 29)})
	assert.Empty(t, outcomes)
	assert.Equal(t, 0, count(driver.calls, "submit"))
}

func TestRejectedFormCloseFailureTriggersRecovery(t *testing.T) {
	driver := newFakeDriver()
	driver.submitErrFor["Tanaka"] = &ValidationError{Reason: "unknown beneficiary"}
	driver.closeErr = errors.New("dialog stuck")
	e := testEngine(driver)
	require.NoError(t, e.Login(context.Background()))

	outcome := e.Submit(context.Background(), record("Tanaka", 29))
	assert.Equal(t, types.RejectedByValidation, outcome.Status)

	// Close failed, so the engine re-navigated to reach a known-good state.
	assert.Equal(t, 2, count(driver.calls, "billing"))
	assert.Equal(t, StateBeneficiaryRegister, e.State())
}
