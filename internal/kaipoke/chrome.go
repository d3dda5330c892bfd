package kaipoke

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/AnMoreNight/OCR-scraping-kaipoke/internal/config"
	"github.com/AnMoreNight/OCR-scraping-kaipoke/pkg/types"
)

// Login form controls, taken from the live login page.
const (
	selCorporateCode = `input[id="form:corporation_id"]`
	selUserID        = `input[id="form:member_login_id"]`
	selPassword      = `input[id="form:password"]`
	selLoginButton   = `input[id="form:logn_nochklogin"]`
)

// Register and entry-form controls. Only id/name markers are used, never
// positional selectors.
const (
	selBillingNav     = `a[id="menu:billing"]`
	selOfficeLink     = `a[id^="officeList:select"]`
	selRegisterTable  = `table[id="planActualList"]`
	selMonthSelect    = `select[name="displayYearMonth"]`
	selEntryDialog    = `div[id="actualEntryDialog"]`
	selInsuranceSel   = `select[name="insuranceDivision"]`
	selServiceType    = `select[name="serviceTypeCode"]`
	selServiceSubType = `select[name="serviceSubTypeCode"]`
	selOfficeInput    = `input[name="serviceOfficeName"]`
	selStartHour      = `select[name="startTimeHour"]`
	selStartMinute    = `select[name="startTimeMinute"]`
	selEndHour        = `select[name="endTimeHour"]`
	selEndMinute      = `select[name="endTimeMinute"]`
	selTransitOut     = `input[name="transitTimeOutward"]`
	selTransitBack    = `input[name="transitTimeReturn"]`
	selDuplicateFlag  = `input[name="duplicateApproval"]`
	selStaffCount     = `select[name="staffingCount"]`
	selActualRadio    = `input[name="planActualDivision"][value="actual"]`
	selServiceDate    = `input[name="serviceDate"]`
	selRegistButton   = `input[name="regist"]`
	selCancelButton   = `input[name="cancel"]`
	selErrorList      = `ul.errorList li`
)

// ChromeDriver implements Driver on a headless Chromium session via
// chromedp. One driver owns one browser tab for the whole run.
type ChromeDriver struct {
	cfg    config.KaipokeConfig
	logger *logrus.Logger

	browserCtx  context.Context
	cancelCtx   context.CancelFunc
	cancelAlloc context.CancelFunc
}

// NewChromeDriver launches the browser. The supplied context bounds the
// lifetime of the whole browser session.
func NewChromeDriver(ctx context.Context, cfg config.KaipokeConfig, logger *logrus.Logger) (*ChromeDriver, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelCtx := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so a missing Chromium fails here, not on
	// the first record.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelCtx()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.WithField("headless", cfg.Headless).Info("Browser session started")
	return &ChromeDriver{
		cfg:         cfg,
		logger:      logger,
		browserCtx:  browserCtx,
		cancelCtx:   cancelCtx,
		cancelAlloc: cancelAlloc,
	}, nil
}

// run executes actions against the browser tab with the per-step timeout.
func (d *ChromeDriver) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stepCtx, cancel := context.WithTimeout(d.browserCtx, d.cfg.StepTimeout)
	defer cancel()
	return chromedp.Run(stepCtx, actions...)
}

// Login fills the three credential fields and submits. Success is detected
// by the URL leaving the login page.
func (d *ChromeDriver) Login(ctx context.Context) error {
	var currentURL string
	err := d.run(ctx,
		chromedp.Navigate(d.cfg.LoginURL),
		chromedp.WaitVisible(selCorporateCode, chromedp.ByQuery),
		chromedp.SendKeys(selCorporateCode, d.cfg.CorporateCode, chromedp.ByQuery),
		chromedp.SendKeys(selUserID, d.cfg.Username, chromedp.ByQuery),
		chromedp.SendKeys(selPassword, d.cfg.Password, chromedp.ByQuery),
		chromedp.Click(selLoginButton, chromedp.ByQuery),
		chromedp.Sleep(2*time.Second),
		chromedp.Location(&currentURL),
	)
	if err != nil {
		return fmt.Errorf("login flow: %w", err)
	}
	if strings.Contains(currentURL, "COM020102") || strings.Contains(strings.ToLower(currentURL), "login") {
		return fmt.Errorf("%w: still on login page, credentials rejected", ErrAuthentication)
	}
	return nil
}

func (d *ChromeDriver) OpenBillingArea(ctx context.Context) error {
	if err := d.run(ctx,
		chromedp.Click(selBillingNav, chromedp.ByQuery),
		chromedp.WaitVisible(selOfficeLink, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("open billing area: %w", err)
	}
	return nil
}

func (d *ChromeDriver) OpenOfficeArea(ctx context.Context) error {
	if err := d.run(ctx,
		chromedp.Click(selOfficeLink, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("open office area: %w", err)
	}
	return nil
}

func (d *ChromeDriver) OpenBeneficiaryRegister(ctx context.Context) error {
	if err := d.run(ctx,
		chromedp.Navigate(d.cfg.RegisterURL),
		chromedp.WaitVisible(selRegisterTable, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("open beneficiary register: %w", err)
	}
	return nil
}

func (d *ChromeDriver) SelectServiceMonth(ctx context.Context, year int, month time.Month) error {
	value := fmt.Sprintf("%04d%02d", year, int(month))
	if err := d.run(ctx,
		chromedp.SetValue(selMonthSelect, value, chromedp.ByQuery),
		chromedp.WaitVisible(selRegisterTable, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("select month %s: %w", value, err)
	}
	return nil
}

func (d *ChromeDriver) SelectBeneficiary(ctx context.Context, name string) error {
	// Beneficiary rows are keyed by display name; whitespace in the cell may
	// differ from the record, so match on the normalized text.
	xpath := fmt.Sprintf(`//table[@id="planActualList"]//a[normalize-space(text())=%s]`, xpathLiteral(name))
	if err := d.run(ctx,
		chromedp.Click(xpath, chromedp.BySearch),
	); err != nil {
		return fmt.Errorf("select beneficiary %q: %w", name, err)
	}
	return nil
}

func (d *ChromeDriver) OpenEntryForm(ctx context.Context, day int) error {
	sel := fmt.Sprintf(`td[data-day="%d"] a.addActual`, day)
	if err := d.run(ctx,
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.WaitVisible(selEntryDialog, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("open entry form for day %d: %w", day, err)
	}
	return nil
}

// FillEntryForm fills every field of the entry dialog. The plan-vs-actual
// flag is always "actual"; transit fields and the duplicate-handling flag
// carry their fixed defaults.
func (d *ChromeDriver) FillEntryForm(ctx context.Context, rec types.AttendanceRecord) error {
	startH, startM := clockParts(rec.Start)
	endH, endM := clockParts(rec.End)

	actions := []chromedp.Action{
		chromedp.SetValue(selInsuranceSel, "sogo_shien", chromedp.ByQuery),
		chromedp.SetValue(selServiceType, "home_care", chromedp.ByQuery),
		chromedp.SetValue(selServiceSubType, "physical", chromedp.ByQuery),
		chromedp.SetValue(selOfficeInput, rec.Office, chromedp.ByQuery),
		chromedp.SetValue(selServiceDate, rec.ServiceDate.Format("2006/01/02"), chromedp.ByQuery),
		chromedp.SetValue(selStartHour, startH, chromedp.ByQuery),
		chromedp.SetValue(selStartMinute, startM, chromedp.ByQuery),
		chromedp.SetValue(selEndHour, endH, chromedp.ByQuery),
		chromedp.SetValue(selEndMinute, endM, chromedp.ByQuery),
		chromedp.SetValue(selTransitOut, "0", chromedp.ByQuery),
		chromedp.SetValue(selTransitBack, "0", chromedp.ByQuery),
		chromedp.SetValue(selStaffCount, "1", chromedp.ByQuery),
		chromedp.Click(selDuplicateFlag, chromedp.ByQuery),
		chromedp.Click(selActualRadio, chromedp.ByQuery),
	}
	if err := d.run(ctx, actions...); err != nil {
		return fmt.Errorf("fill entry form: %w", err)
	}
	return nil
}

// SubmitEntryForm clicks the register button and inspects the dialog for a
// validation error list. A populated list becomes a ValidationError.
func (d *ChromeDriver) SubmitEntryForm(ctx context.Context) error {
	var errorText string
	if err := d.run(ctx,
		chromedp.Click(selRegistButton, chromedp.ByQuery),
		chromedp.Sleep(time.Second),
		chromedp.Evaluate(fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).map(e => e.textContent.trim()).join("; ")`,
			selErrorList), &errorText),
	); err != nil {
		return fmt.Errorf("submit entry form: %w", err)
	}
	if errorText != "" {
		return &ValidationError{Reason: errorText}
	}
	return nil
}

func (d *ChromeDriver) CloseEntryForm(ctx context.Context) error {
	if err := d.run(ctx,
		chromedp.Click(selCancelButton, chromedp.ByQuery),
		chromedp.WaitNotPresent(selEntryDialog, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("close entry form: %w", err)
	}
	return nil
}

// Close shuts the browser down.
func (d *ChromeDriver) Close() error {
	d.cancelCtx()
	d.cancelAlloc()
	d.logger.Info("Browser session closed")
	return nil
}

// clockParts splits a ClockTime into zero-padded hour and minute values as
// the form's dropdowns expect them. 24:00 appears as hour "24".
func clockParts(t types.ClockTime) (string, string) {
	return fmt.Sprintf("%02d", int(t)/60), fmt.Sprintf("%02d", int(t)%60)
}

// xpathLiteral quotes s for use inside an XPath expression. XPath 1.0 has no
// escaping, so strings containing both quote kinds need concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	parts := strings.Split(s, `"`)
	return `concat("` + strings.Join(parts, `", '"', "`) + `")`
}
