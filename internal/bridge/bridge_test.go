package bridge

import (
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/jl1nie/vibe-coder-go/internal/apierror"
	"github.com/jl1nie/vibe-coder-go/internal/assistant"
	"github.com/jl1nie/vibe-coder-go/internal/safety"
)

func newTestPeerChannel(t *testing.T) *PeerChannel {
	t.Helper()
	b := New(Config{
		Launch: func(sessionID string) *assistant.Session {
			t.Fatalf("launch should not be called for a rejected command")
			return nil
		},
		Logger: slog.Default(),
	})
	return &PeerChannel{
		sessionID:    "sess-1",
		log:          slog.Default(),
		bridge:       b,
		lastActivity: time.Now(),
	}
}

func TestHandleCommandRejectsDestructivePatternWithoutLaunchingAssistant(t *testing.T) {
	pc := newTestPeerChannel(t)
	// No data channel attached; handleCommand must reject before touching pc.dc.
	pc.handleCommand("rm -rf /")

	require.False(t, pc.bridge.IsAssistantRunning(pc.sessionID), "safety rejection must not start an assistant process")
}

func TestSendDropsFrameWhenDataChannelNotOpen(t *testing.T) {
	b := New(Config{Logger: slog.Default()})
	pc := &PeerChannel{sessionID: "sess-2", log: slog.Default(), bridge: b, lastActivity: time.Now()}
	// dc is nil and dcOpen is false; send must not panic and must simply drop.
	pc.sendError("channel not ready")
}

func TestIdleForReflectsElapsedTime(t *testing.T) {
	pc := &PeerChannel{sessionID: "sess-3", lastActivity: time.Now().Add(-10 * time.Minute)}
	require.GreaterOrEqual(t, pc.IdleFor(), 10*time.Minute)
}

func TestBridgeRemoveIsIdempotentForUnknownSession(t *testing.T) {
	b := New(Config{})
	require.NotPanics(t, func() { b.Remove("does-not-exist") })
	require.Equal(t, 0, b.Count())
}

func TestNewPeerConnectionRegistersCallbacksWithoutError(t *testing.T) {
	b := New(Config{ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}})
	pc, err := b.newPeerConnection("sess-4", "client-1")
	require.NoError(t, err)
	require.NotNil(t, pc.pc)
	_ = pc.pc.Close()
}

func shellPromptDetector(buf []byte) bool {
	trimmed := strings.TrimRight(string(buf), "\r\n")
	return strings.HasSuffix(trimmed, "$ ") || strings.HasSuffix(trimmed, "# ")
}

func skipIfNoShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available in this environment")
	}
}

func newShellBridge(t *testing.T) *Bridge {
	t.Helper()
	return New(Config{
		Logger: slog.Default(),
		Launch: func(sessionID string) *assistant.Session {
			s := assistant.NewSession(assistant.Config{SessionID: sessionID, Command: "sh", Detector: shellPromptDetector})
			if err := s.Start(); err != nil {
				t.Fatalf("starting fake assistant: %v", err)
			}
			return s
		},
	})
}

func TestExecuteRejectsUnsafeCommandWithoutStartingAssistant(t *testing.T) {
	b := New(Config{
		Logger: slog.Default(),
		Launch: func(sessionID string) *assistant.Session {
			t.Fatalf("launch should not be called for a rejected command")
			return nil
		},
	})

	err := b.Execute("sess-5", "rm -rf /")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindSafety, apiErr.Kind)
	require.False(t, b.IsAssistantRunning("sess-5"))
}

func TestExecuteLaunchesAssistantOnceAndSharesItAcrossCalls(t *testing.T) {
	skipIfNoShell(t)
	b := newShellBridge(t)

	require.NoError(t, b.Execute("sess-6", "echo hi"))
	require.True(t, b.IsAssistantRunning("sess-6"))

	first, ok := b.getAssistant("sess-6")
	require.True(t, ok)

	require.NoError(t, b.Execute("sess-6", "echo again"))
	second, ok := b.getAssistant("sess-6")
	require.True(t, ok)
	require.Same(t, first, second, "a second Execute call must reuse the same assistant process")
}

func TestCancelDestroysRunningAssistant(t *testing.T) {
	skipIfNoShell(t)
	b := newShellBridge(t)

	require.NoError(t, b.Execute("sess-7", "echo hi"))
	require.True(t, b.IsAssistantRunning("sess-7"))

	require.NoError(t, b.Cancel("sess-7"))
	require.False(t, b.IsAssistantRunning("sess-7"))
}

func TestCancelOnUnknownSessionReturnsNotFoundError(t *testing.T) {
	b := New(Config{Logger: slog.Default()})
	err := b.Cancel("no-such-session")
	require.Error(t, err)
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	require.Equal(t, apierror.KindNotFound, apiErr.Kind)
}

func TestExecuteExitForgetsAssistant(t *testing.T) {
	skipIfNoShell(t)
	b := newShellBridge(t)

	require.NoError(t, b.Execute("sess-8", "echo hi"))
	require.NoError(t, b.Execute("sess-8", safety.CommandExit))
	require.False(t, b.IsAssistantRunning("sess-8"))
}
