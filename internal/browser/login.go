package browser

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
)

// Selectors for the login flow. The site's login surface has been stable for
// years; the consent popup vendor changes more often, hence the two variants.
const (
	selConsentClose    = "#onetrust-close-btn-container"
	selConsentAccept   = "#onetrust-accept-btn-handler"
	selLoginAffordance = ".loginBtn"
	selUsername        = "#u"
	selPassword        = "#p"
	selTermsCheckbox   = "#clauseCheckBox"
	selLoginSubmit     = "#loginBtn"
	loginURLFragment   = "/newLogin"
)

// Login signs the session in with the configured credentials. Consent popups
// and the multi-device dialog are handled opportunistically; only the core
// steps (reaching the form, submitting, leaving the login page) are fatal.
func (s *Session) Login(ctx context.Context) error {
	if err := s.Navigate(ctx, s.cfg.HomeURL); err != nil {
		return fmt.Errorf("open home: %w", err)
	}
	s.WaitDocumentReady(ctx, 3*time.Second)
	s.dismissConsent(ctx)

	if err := s.Click(ctx, selLoginAffordance); err != nil {
		return fmt.Errorf("open login form: %w", err)
	}
	if err := s.waitURLContains(ctx, loginURLFragment, 5*time.Second); err != nil {
		return fmt.Errorf("login page did not open: %w", err)
	}

	if err := s.Clear(ctx, selUsername); err != nil {
		return fmt.Errorf("username field: %w", err)
	}
	if err := s.SendKeys(ctx, selUsername, s.cfg.Username); err != nil {
		return fmt.Errorf("type username: %w", err)
	}
	if err := s.Clear(ctx, selPassword); err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	if err := s.SendKeys(ctx, selPassword, s.cfg.Password); err != nil {
		return fmt.Errorf("type password: %w", err)
	}

	// Terms checkbox is only present for some account types.
	var checked bool
	if err := s.Eval(ctx, checkboxProbeJS, &checked); err == nil && !checked {
		if err := s.Click(ctx, selTermsCheckbox); err != nil {
			log.Printf("browser terms checkbox click err=%v", err)
		}
	}

	if err := s.Click(ctx, selLoginSubmit); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}

	// The multi-device dialog, if any, is auto-accepted by the dialog
	// listener; what matters is leaving the login page.
	if err := s.waitURLNotContains(ctx, loginURLFragment, 10*time.Second); err != nil {
		return fmt.Errorf("login did not complete: %w", err)
	}
	log.Printf("browser login ok user=%s", s.cfg.Username)
	return nil
}

const checkboxProbeJS = `(() => {
	const box = document.querySelector('` + selTermsCheckbox + `');
	return box ? box.checked : true;
})()`

// LoggedIn probes the home surface for the login affordance; its absence
// means the session is still authenticated.
func (s *Session) LoggedIn(ctx context.Context) bool {
	var present bool
	js := `document.querySelector('` + selLoginAffordance + `') !== null`
	if err := s.Eval(ctx, js, &present); err != nil {
		return false
	}
	return !present
}

func (s *Session) dismissConsent(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := s.Click(cctx, selConsentClose); err == nil {
		return
	}
	cctx2, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	defer cancel2()
	_ = s.Click(cctx2, selConsentAccept)
}

func (s *Session) waitURLContains(ctx context.Context, fragment string, timeout time.Duration) error {
	return s.waitURL(ctx, timeout, func(u string) bool { return strings.Contains(u, fragment) })
}

func (s *Session) waitURLNotContains(ctx context.Context, fragment string, timeout time.Duration) error {
	return s.waitURL(ctx, timeout, func(u string) bool { return !strings.Contains(u, fragment) })
}

func (s *Session) waitURL(ctx context.Context, timeout time.Duration, ok func(string) bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if u, err := s.CurrentURL(ctx); err == nil && ok(u) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("url condition not met within %s", timeout)
}
