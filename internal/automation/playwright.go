package automation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
	"golang.org/x/time/rate"

	"slotwatch/pkg/logx"
)

// BrowserConfig controls the playwright-backed sessions.
type BrowserConfig struct {
	Headless bool
	// StateDir keeps the browser profile (cookies etc.) between runs.
	StateDir string
	// PageLoadsPerMinute throttles navigation site-wide, across sessions.
	PageLoadsPerMinute int
	// ScreenshotDir, when non-empty, stores a proof screenshot per claim.
	ScreenshotDir string
}

// BrowserFactory launches one headless Chromium session per check cycle.
// The playwright driver itself is started once and shared; the navigation
// rate limiter is shared too so concurrent cycles stay polite.
type BrowserFactory struct {
	pw      *playwright.Playwright
	cfg     BrowserConfig
	limiter *rate.Limiter
	log     logx.Logger
}

func NewBrowserFactory(cfg BrowserConfig, log logx.Logger) (*BrowserFactory, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright driver: %w", err)
	}
	perMin := cfg.PageLoadsPerMinute
	if perMin <= 0 {
		perMin = 20
	}
	return &BrowserFactory{
		pw:      pw,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 2),
		log:     log,
	}, nil
}

func (f *BrowserFactory) Close() error {
	return f.pw.Stop()
}

func (f *BrowserFactory) NewSession(ctx context.Context, pageURL string) (Session, error) {
	browser, err := f.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(f.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	bctx, err := f.newContext(browser)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}

	page, err := bctx.NewPage()
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("open page: %w", err)
	}
	page.SetDefaultTimeout(60000)
	page.SetDefaultNavigationTimeout(60000)

	s := &browserSession{
		factory: f,
		browser: browser,
		bctx:    bctx,
		page:    page,
		log:     f.log,
	}
	if err := s.goTo(ctx, pageURL); err != nil {
		_ = browser.Close()
		return nil, err
	}
	return s, nil
}

func (f *BrowserFactory) newContext(browser playwright.Browser) (playwright.BrowserContext, error) {
	opts := playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1280, Height: 720},
	}
	if dir := strings.TrimSpace(f.cfg.StateDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		stateFile := filepath.Join(dir, "state.json")
		if _, err := os.Stat(stateFile); err == nil {
			opts.StorageStatePath = playwright.String(stateFile)
		}
	}
	bctx, err := browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return bctx, nil
}

type browserSession struct {
	factory *BrowserFactory
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
	log     logx.Logger
}

func (s *browserSession) goTo(ctx context.Context, url string) error {
	if err := s.factory.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
	})
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

func (s *browserSession) content(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	html, err := s.page.Content()
	if err != nil {
		return nil, fmt.Errorf("read page content: %w", err)
	}
	return []byte(html), nil
}

func (s *browserSession) Exists(ctx context.Context, courseNumber int) (bool, error) {
	html, err := s.content(ctx)
	if err != nil {
		return false, err
	}
	_, found, err := parseCourseRow(html, courseNumber)
	return found, err
}

func (s *browserSession) Snapshot(ctx context.Context, courseNumber int) (Snapshot, error) {
	html, err := s.content(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap, found, err := parseCourseRow(html, courseNumber)
	if err != nil {
		return Snapshot{}, err
	}
	if !found {
		return Snapshot{}, fmt.Errorf("course %d not on page", courseNumber)
	}
	return snap, nil
}

// OpenClaimView clicks the course's booking button. The button carries a
// unique name and sits next to the <a id="K<number>"> anchor; the claim
// form then opens in a new tab, which becomes this session's page.
func (s *browserSession) OpenClaimView(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	anchor := s.page.Locator("#K" + strconv.Itoa(snap.CourseNumber))
	button := anchor.Locator("xpath=following-sibling::*[1]")
	name, err := button.GetAttribute("name")
	if err != nil {
		return fmt.Errorf("locate booking button for course %d: %w", snap.CourseNumber, err)
	}
	if name == "" {
		return fmt.Errorf("booking button for course %d has no name", snap.CourseNumber)
	}

	if err := s.factory.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.page.Click(fmt.Sprintf("[name=%q]", name)); err != nil {
		return fmt.Errorf("click booking button: %w", err)
	}

	// The claim form opens in a new tab; give it a moment to appear.
	s.page.WaitForTimeout(2000)
	pages := s.bctx.Pages()
	if len(pages) == 0 {
		return fmt.Errorf("booking tab never opened")
	}
	s.page = pages[len(pages)-1]
	if err := s.page.WaitForLoadState(); err != nil {
		return fmt.Errorf("booking tab load: %w", err)
	}
	return nil
}

func (s *browserSession) ListOpenTokens(ctx context.Context) ([]string, error) {
	html, err := s.content(ctx)
	if err != nil {
		return nil, err
	}
	return parseOpenTokens(html)
}

func (s *browserSession) Claim(ctx context.Context, token string, creds Credentials) (ClaimOutcome, error) {
	if err := s.factory.limiter.Wait(ctx); err != nil {
		return OutcomeFailed, err
	}

	// Pick the date, switch the form to password login, and sign in.
	if err := s.page.Click(fmt.Sprintf("input[name=%q]", token)); err != nil {
		return OutcomeFailed, fmt.Errorf("select date %s: %w", token, err)
	}
	if err := s.page.Click("#bs_pw_anmlink"); err != nil {
		return OutcomeFailed, fmt.Errorf("open login form: %w", err)
	}
	if err := s.page.Fill("input[name=email]", creds.Mail); err != nil {
		return OutcomeFailed, fmt.Errorf("fill mail: %w", err)
	}
	if err := s.page.Fill("input[type=password]", creds.Password); err != nil {
		return OutcomeFailed, fmt.Errorf("fill password: %w", err)
	}
	if err := s.page.Click(`input[title="Continue booking"]`); err != nil {
		return OutcomeFailed, fmt.Errorf("submit login: %w", err)
	}

	// Accept the site's terms checkboxes, then confirm twice.
	if _, err := s.page.Evaluate(`() => {
		document.querySelectorAll("input[type=checkbox]").forEach(c => c.checked = true);
	}`); err != nil {
		return OutcomeFailed, fmt.Errorf("accept checkboxes: %w", err)
	}
	if err := s.page.Click(`input[title="Continue booking"]`); err != nil {
		return OutcomeFailed, fmt.Errorf("confirm booking: %w", err)
	}
	if err := s.page.Click("input[type=submit]"); err != nil {
		return OutcomeFailed, fmt.Errorf("final submit: %w", err)
	}
	if err := s.page.WaitForLoadState(); err != nil {
		return OutcomeFailed, fmt.Errorf("confirmation page load: %w", err)
	}

	outcome, err := s.classifyConfirmation(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	s.captureProof(token)
	return outcome, nil
}

// classifyConfirmation reads the confirmation page. The site answers a
// repeated booking with a "bereits seit" notice instead of an error page;
// that still means the slot is ours.
func (s *browserSession) classifyConfirmation(ctx context.Context) (ClaimOutcome, error) {
	html, err := s.content(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	if strings.Contains(string(html), "bereits seit") {
		return OutcomeAlreadyClaimed, nil
	}
	return OutcomeClaimed, nil
}

func (s *browserSession) captureProof(token string) {
	dir := strings.TrimSpace(s.factory.cfg.ScreenshotDir)
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("screenshot dir", logx.Err(err))
		return
	}
	s.page.WaitForTimeout(2000)
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.png", token, time.Now().Unix()))
	if _, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	}); err != nil {
		s.log.Warn("screenshot failed", logx.String("path", path), logx.Err(err))
	}
}

func (s *browserSession) Close() error {
	// Persist cookies so a later login can reuse the session.
	if dir := strings.TrimSpace(s.factory.cfg.StateDir); dir != "" {
		if _, err := s.bctx.StorageState(filepath.Join(dir, "state.json")); err != nil {
			s.log.Debug("saving browser state failed", logx.Err(err))
		}
	}
	return s.browser.Close()
}
