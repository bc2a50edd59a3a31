// Package procsup implements the Process Supervisor (C2): starting and
// stopping the ordered process chain for one session (display server ->
// geometry -> VNC server -> websocket proxy -> browser) with readiness
// gates and guaranteed cleanup on every failure path.
package procsup

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/priorauth/browseragent/internal/apperrors"
	"github.com/priorauth/browseragent/internal/config"
	"github.com/priorauth/browseragent/internal/domain"
	"github.com/priorauth/browseragent/internal/wsproxy"
)

// BrowserHandle is the capability a Process Supervisor hands back to the
// Session Registry (C3) on a successful start_session. It is the one
// non-owning reference the Agent Runner (C4) drives.
type BrowserHandle struct {
	SessionID string
	Slot      domain.Slot
	Browser   *rod.Browser

	procs   []*exec.Cmd // in spawn order; cleaned up in reverse
	proxy   *wsproxy.Bridge
}

// Page returns a fresh page on this handle's browser. The Session
// Registry's Entry wraps it with reference counting (see internal/sessionreg).
func (h *BrowserHandle) Page() (*rod.Page, error) {
	return h.Browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

// Supervisor owns the lifecycle of per-session process chains.
type Supervisor struct {
	cfg *config.Config

	// probeDisplay, when non-nil, replaces the real display-readiness
	// probe. Exercised by tests to avoid shelling out to xdpyinfo.
	probeDisplay func(displayNum int) error
}

// New builds a Supervisor bound to cfg.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// StartSession runs the ordered start chain for one session against an
// already-acquired Slot. On any step's failure it cleans up everything
// spawned so far before returning.
func (s *Supervisor) StartSession(ctx context.Context, sessionID string, slot domain.Slot) (*BrowserHandle, error) {
	handle := &BrowserHandle{SessionID: sessionID, Slot: slot}

	// Step 1: pre-clean stale lock files / lingering processes for this display.
	s.preClean(slot)

	// Step 2: display server, gated on readiness.
	xvfb, err := s.spawnXvfb(slot)
	if err != nil {
		s.cleanup(handle)
		return nil, apperrors.NewDisplayNotReadyError(sessionID)
	}
	handle.procs = append(handle.procs, xvfb)

	if err := s.waitDisplayReady(ctx, slot.DisplayNum); err != nil {
		s.cleanup(handle)
		return nil, apperrors.NewDisplayNotReadyError(sessionID)
	}

	// Step 3: geometry, non-blocking, applied after display is confirmed ready.
	s.applyGeometry(slot)

	// Steps 4 and 5 (VNC, websocket proxy) may start in parallel once
	// geometry is applied, but both must be up before step 6 (browser).
	var vnc *exec.Cmd
	var bridge *wsproxy.Bridge
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		cmd, vErr := s.spawnVNC(slot)
		if vErr != nil {
			return apperrors.NewVNCStartFailedError(sessionID, vErr)
		}
		vnc = cmd
		return nil
	})
	eg.Go(func() error {
		b, pErr := wsproxy.Start(egCtx, fmt.Sprintf("127.0.0.1:%d", slot.WebPort), fmt.Sprintf("127.0.0.1:%d", slot.VNCPort))
		if pErr != nil {
			return apperrors.NewProxyStartFailedError(sessionID, pErr)
		}
		bridge = b
		return nil
	})
	if err := eg.Wait(); err != nil {
		if vnc != nil {
			handle.procs = append(handle.procs, vnc)
		}
		if bridge != nil {
			handle.proxy = bridge
		}
		s.cleanup(handle)
		return nil, err
	}
	handle.procs = append(handle.procs, vnc)
	handle.proxy = bridge

	// Step 6: browser, with retry + exponential back-off.
	browser, err := s.attachBrowser(ctx, slot)
	if err != nil {
		s.cleanup(handle)
		return nil, apperrors.NewBrowserAttachFailedError(sessionID, s.cfg.BrowserAttachRetries, err)
	}
	handle.Browser = browser

	log.Info().
		Str("session_id", sessionID).
		Int("display_num", slot.DisplayNum).
		Int("vnc_port", slot.VNCPort).
		Int("web_port", slot.WebPort).
		Msg("session process chain started")

	return handle, nil
}

// StopSession terminates all processes spawned for this session in
// reverse spawn order, waiting up to T_grace for graceful exit before
// force-killing, then issues pattern-based kills for orphans. Idempotent.
func (s *Supervisor) StopSession(handle *BrowserHandle) error {
	if handle == nil {
		return nil
	}
	return s.cleanup(handle)
}

// cleanup tears down everything recorded on handle: browser connection
// first, then the websocket proxy, then the reverse-order process chain.
// Every failure is logged (never silently swallowed) and the last error
// is returned wrapped as a CleanupFailed SupervisorError.
func (s *Supervisor) cleanup(handle *BrowserHandle) error {
	var lastErr error

	if handle.Browser != nil {
		if err := handle.Browser.Close(); err != nil {
			log.Warn().Str("session_id", handle.SessionID).Err(err).Msg("error closing browser during cleanup")
			lastErr = err
		}
		handle.Browser = nil
	}

	if handle.proxy != nil {
		if err := handle.proxy.Close(); err != nil {
			log.Warn().Str("session_id", handle.SessionID).Err(err).Msg("error closing websocket proxy during cleanup")
			lastErr = err
		}
		handle.proxy = nil
	}

	for i := len(handle.procs) - 1; i >= 0; i-- {
		proc := handle.procs[i]
		if proc == nil || proc.Process == nil {
			continue
		}
		if err := gracefulThenForceKill(proc, s.cfg.GracefulStopTimeout); err != nil {
			log.Error().Str("session_id", handle.SessionID).Err(err).Msg("error stopping supervised process during cleanup")
			lastErr = err
		}
	}
	handle.procs = nil

	s.killOrphans(handle.Slot)

	if lastErr != nil {
		return apperrors.NewCleanupFailedError(handle.SessionID, lastErr)
	}
	return nil
}

func gracefulThenForceKill(cmd *exec.Cmd, grace time.Duration) error {
	if err := cmd.Process.Signal(terminateSignal()); err != nil {
		return cmd.Process.Kill()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return cmd.Process.Kill()
	}
}

// attachBrowser launches a browser profile for this slot, retrying up to
// BrowserAttachRetries times with exponential back-off (2^attempt
// seconds), matching §4.2's retry policy. DISPLAY is set only in this
// spawn's own exec.Cmd.Env (see browserLauncher) -- the process-wide
// environment is never mutated.
func (s *Supervisor) attachBrowser(ctx context.Context, slot domain.Slot) (*rod.Browser, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.BrowserAttachRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		l := s.browserLauncher(slot)
		url, err := l.Launch()
		if err != nil {
			lastErr = err
			continue
		}

		browser := rod.New().ControlURL(url)
		if err := browser.Connect(); err != nil {
			lastErr = err
			continue
		}

		return browser, nil
	}
	return nil, lastErr
}

// browserLauncher builds a go-rod launcher for this session's slot. Only
// the crash/stability flag set is kept; the anti-detection flag set is
// dropped (see DESIGN.md) since the agent drives internal enterprise
// portals, not adversarial targets.
func (s *Supervisor) browserLauncher(slot domain.Slot) *launcher.Launcher {
	l := launcher.New().
		Headless(false). // real headed browser, rendered to the VNC display
		Env(fmt.Sprintf("DISPLAY=:%d", slot.DisplayNum)).
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("window-size", "1600,1200").
		Set("window-position", "0,0").
		UserDataDir(slot.UserDataDir)

	if s.cfg.ExtensionsDir != "" {
		l = l.Set("load-extension", s.cfg.ExtensionsDir)
	}

	return l
}
