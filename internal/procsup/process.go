package procsup

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/priorauth/browseragent/internal/domain"
)

// preClean removes stale lock files for the display and terminates any
// lingering processes holding this session's display/ports by pattern.
// Best-effort: failures here are logged but never block the start chain,
// since a free display with no lock file is the common case.
func (s *Supervisor) preClean(slot domain.Slot) {
	lockFile := fmt.Sprintf("/tmp/.X%d-lock", slot.DisplayNum)
	if err := exec.Command("rm", "-f", lockFile).Run(); err != nil {
		log.Debug().Err(err).Str("lock_file", lockFile).Msg("pre-clean: no stale lock file to remove")
	}
	s.killOrphans(slot)
}

// killOrphans issues pattern-based kills for any process still bound to
// this session's display or ports. Called on pre-clean and on cleanup.
func (s *Supervisor) killOrphans(slot domain.Slot) {
	patterns := []string{
		fmt.Sprintf(":%d", slot.DisplayNum),
		fmt.Sprintf("%d", slot.VNCPort),
	}
	for _, pattern := range patterns {
		if err := exec.Command("pkill", "-f", pattern).Run(); err != nil {
			log.Debug().Err(err).Str("pattern", pattern).Msg("no orphan process matched pattern")
		}
	}
}

// spawnXvfb starts a virtual framebuffer display at :display-num with
// screen geometry 1600x1200x24.
func (s *Supervisor) spawnXvfb(slot domain.Slot) (*exec.Cmd, error) {
	display := fmt.Sprintf(":%d", slot.DisplayNum)
	cmd := exec.Command("Xvfb", display, "-screen", "0", "1600x1200x24", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn Xvfb: %w", err)
	}
	return cmd, nil
}

// waitDisplayReady polls the display via a probe command for up to
// DisplayReadyTimeout. Tests inject probeDisplay to avoid shelling out.
func (s *Supervisor) waitDisplayReady(ctx context.Context, displayNum int) error {
	probe := s.probeDisplay
	if probe == nil {
		probe = func(n int) error {
			return exec.Command("xdpyinfo", "-display", fmt.Sprintf(":%d", n)).Run()
		}
	}

	deadline := time.Now().Add(s.cfg.DisplayReadyTimeout)
	for {
		if err := probe(displayNum); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("display :%d not ready after %s", displayNum, s.cfg.DisplayReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// applyGeometry applies framebuffer dimensions to the running display.
// Non-blocking: a failure here does not abort the start chain, since most
// Xvfb instances already start at the requested geometry.
func (s *Supervisor) applyGeometry(slot domain.Slot) {
	display := fmt.Sprintf(":%d", slot.DisplayNum)
	cmd := exec.Command("xrandr", "--display", display, "-s", "1600x1200")
	if err := cmd.Run(); err != nil {
		log.Debug().Err(err).Str("display", display).Msg("xrandr geometry apply failed (non-fatal)")
	}
}

// spawnVNC starts a VNC server bound to the display and vnc-port, no
// password, shared/persistent mode, clip region 1600x1200.
func (s *Supervisor) spawnVNC(slot domain.Slot) (*exec.Cmd, error) {
	display := fmt.Sprintf(":%d", slot.DisplayNum)
	cmd := exec.Command("x11vnc",
		"-display", display,
		"-rfbport", fmt.Sprintf("%d", slot.VNCPort),
		"-nopw",
		"-shared",
		"-forever",
		"-clip", "1600x1200+0+0",
	)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn x11vnc: %w", err)
	}
	return cmd, nil
}

// terminateSignal returns the signal used for graceful shutdown requests.
func terminateSignal() syscall.Signal {
	return syscall.SIGTERM
}
