// Package bridge implements the Peer-Channel Bridge of spec.md section 4.3:
// one real WebRTC peer connection and data channel per authenticated client
// session, carrying terminal frames to and from a supervised assistant
// process. It uses github.com/pion/webrtc/v4 for the actual browser-style
// peer connection, superseding the teacher's hand-rolled STUN/ICE code
// (host-agent/internal/p2p/ice.go), which only ever spoke to a proprietary
// streamer binary rather than a real browser. The candidate-buffering and
// callback-wiring shape is grounded on the offer/answer/ICE orchestration
// seen in the corpus's bamgate-bamgate agent (OnICECandidate/OnDataChannel
// callbacks). A session's peer channel is registered only after HandleOffer
// has set its remote description, so remote ICE candidates are applied once
// the offer has been handled; a candidate that arrives before that is
// rejected with an error, not queued.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/jl1nie/vibe-coder-go/internal/apierror"
	"github.com/jl1nie/vibe-coder-go/internal/assistant"
	"github.com/jl1nie/vibe-coder-go/internal/safety"
	"github.com/jl1nie/vibe-coder-go/internal/wsmsg"
)

// channelIdleTimeout is how long a PeerChannel may sit without activity
// before the periodic sweep removes it, per spec.md section 4.3.
const channelIdleTimeout = 5 * time.Minute

// SignalFunc sends a signaling payload for sessionID/clientID back out
// through the rendezvous connection. The host agent's signaling client
// supplies the concrete implementation; Bridge itself has no socket.
type SignalFunc func(msgType wsmsg.Type, sessionID, clientID string, payload []byte) error

// AssistantLauncher starts a new assistant process for one session. Kept as
// a function field rather than a hardcoded command so hosts can point at
// whatever the configured assistant binary is.
type AssistantLauncher func(sessionID string) *assistant.Session

// StateChangeFunc notifies a collaborator (the session manager, typically)
// that sessionID's peer connection became live or stopped being live, so
// session state can track LIVE/AUTHENTICATED transitions independent of
// the WebRTC internals Bridge owns.
type StateChangeFunc func(sessionID string, connected bool)

// Config wires a Bridge to its collaborators.
type Config struct {
	ICEServers    []webrtc.ICEServer
	Send          SignalFunc
	Launch        AssistantLauncher
	OnStateChange StateChangeFunc
	Logger        *slog.Logger
}

// Bridge owns one PeerChannel and one AssistantSession per live client
// session. The assistant map is shared by the data-channel command path and
// the admin HTTP fallback (spec.md section 6: "HTTP fallback for the same
// operations exposed via the data channel"), so a command started over one
// surface is visible to the other.
type Bridge struct {
	iceServers []webrtc.ICEServer
	send       SignalFunc
	launch     AssistantLauncher
	onState    StateChangeFunc
	log        *slog.Logger

	mu       sync.RWMutex
	channels map[string]*PeerChannel

	assistantMu sync.Mutex
	assistants  map[string]*assistant.Session
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		iceServers: cfg.ICEServers,
		send:       cfg.Send,
		launch:     cfg.Launch,
		onState:    cfg.OnStateChange,
		log:        log,
		channels:   make(map[string]*PeerChannel),
		assistants: make(map[string]*assistant.Session),
	}
}

// ensureAssistant returns the session's assistant process, launching one if
// none exists yet, per spec.md section 3: "created on first assistant
// command for a given session".
func (b *Bridge) ensureAssistant(sessionID string) *assistant.Session {
	b.assistantMu.Lock()
	defer b.assistantMu.Unlock()
	a, ok := b.assistants[sessionID]
	if ok {
		return a
	}
	a = b.launch(sessionID)
	b.assistants[sessionID] = a
	return a
}

func (b *Bridge) getAssistant(sessionID string) (*assistant.Session, bool) {
	b.assistantMu.Lock()
	defer b.assistantMu.Unlock()
	a, ok := b.assistants[sessionID]
	return a, ok
}

func (b *Bridge) forgetAssistant(sessionID string) {
	b.assistantMu.Lock()
	defer b.assistantMu.Unlock()
	delete(b.assistants, sessionID)
}

// Execute is the admin-HTTP-fallback equivalent of a claude-command data
// channel frame: it runs the safety filter, lazily starts the session's
// assistant, and dispatches the command asynchronously. Per spec.md
// section 6, the result is retrieved via the data channel or a subsequent
// status poll rather than this call's response.
func (b *Bridge) Execute(sessionID, command string) error {
	verdict := safety.Check(command)
	if !verdict.Allowed {
		return apierror.New(apierror.KindSafety, verdict.Reason)
	}

	a := b.ensureAssistant(sessionID)

	if command == safety.CommandExit {
		if err := a.Exit(); err != nil {
			return apierror.Wrap(apierror.KindAssistant, "exiting assistant", err)
		}
		b.forgetAssistant(sessionID)
		return nil
	}

	if err := a.Write([]byte(command + "\n")); err != nil {
		b.forgetAssistant(sessionID)
		return apierror.Wrap(apierror.KindAssistant, "writing command", err)
	}
	return nil
}

// Cancel forces the session's assistant process to exit immediately,
// without waiting for the graceful /exit round trip.
func (b *Bridge) Cancel(sessionID string) error {
	a, ok := b.getAssistant(sessionID)
	if !ok {
		return apierror.New(apierror.KindNotFound, "no active assistant session")
	}
	a.Destroy()
	b.forgetAssistant(sessionID)
	return nil
}

// IsAssistantRunning reports whether sessionID has a live assistant process.
func (b *Bridge) IsAssistantRunning(sessionID string) bool {
	a, ok := b.getAssistant(sessionID)
	return ok && a.IsRunning()
}

// PeerChannel is one session's WebRTC peer connection and data channel,
// per spec.md section 3's PeerChannel record.
type PeerChannel struct {
	sessionID string
	clientID  string

	log    *slog.Logger
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	bridge *Bridge

	mu                sync.Mutex
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	lastActivity      time.Time
	dcOpen            bool
}

func (pc *PeerChannel) touch() {
	pc.mu.Lock()
	pc.lastActivity = time.Now()
	pc.mu.Unlock()
}

// IdleFor reports how long the channel has gone without activity.
func (pc *PeerChannel) IdleFor() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return time.Since(pc.lastActivity)
}

// HandleOffer creates the session's peer connection, applies the remote
// offer, and returns the local answer SDP for relaying back through the
// rendezvous, per spec.md section 4.3's offer -> answer flow.
func (b *Bridge) HandleOffer(sessionID, clientID string, offerSDP []byte) ([]byte, error) {
	pc, err := b.newPeerConnection(sessionID, clientID)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerSDP, &offer); err != nil {
		pc.pc.Close()
		return nil, fmt.Errorf("decoding offer: %w", err)
	}

	if err := pc.pc.SetRemoteDescription(offer); err != nil {
		pc.pc.Close()
		return nil, fmt.Errorf("setting remote description: %w", err)
	}
	pc.flushPendingCandidates()

	answer, err := pc.pc.CreateAnswer(nil)
	if err != nil {
		pc.pc.Close()
		return nil, fmt.Errorf("creating answer: %w", err)
	}
	if err := pc.pc.SetLocalDescription(answer); err != nil {
		pc.pc.Close()
		return nil, fmt.Errorf("setting local description: %w", err)
	}

	b.mu.Lock()
	b.channels[sessionID] = pc
	b.mu.Unlock()

	answerJSON, err := json.Marshal(pc.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encoding answer: %w", err)
	}
	return answerJSON, nil
}

// HandleCandidate applies an ICE candidate from the remote peer to the
// session's peer channel. It returns an error when the session has no peer
// channel yet, which is the case until HandleOffer has completed.
func (b *Bridge) HandleCandidate(sessionID string, candidateJSON []byte) error {
	pc, ok := b.get(sessionID)
	if !ok {
		return fmt.Errorf("no peer channel for session %s", sessionID)
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(candidateJSON, &candidate); err != nil {
		return fmt.Errorf("decoding ice candidate: %w", err)
	}

	pc.mu.Lock()
	if !pc.remoteSet {
		pc.pendingCandidates = append(pc.pendingCandidates, candidate)
		pc.mu.Unlock()
		return nil
	}
	pc.mu.Unlock()

	return pc.pc.AddICECandidate(candidate)
}

func (pc *PeerChannel) flushPendingCandidates() {
	pc.mu.Lock()
	pc.remoteSet = true
	pending := pc.pendingCandidates
	pc.pendingCandidates = nil
	pc.mu.Unlock()

	for _, c := range pending {
		if err := pc.pc.AddICECandidate(c); err != nil {
			pc.log.Warn("applying buffered ice candidate failed", "sessionId", pc.sessionID, "error", err)
		}
	}
}

func (b *Bridge) newPeerConnection(sessionID, clientID string) (*PeerChannel, error) {
	config := webrtc.Configuration{ICEServers: b.iceServers}
	rawPC, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	pc := &PeerChannel{
		sessionID:    sessionID,
		clientID:     clientID,
		log:          b.log,
		pc:           rawPC,
		bridge:       b,
		lastActivity: time.Now(),
	}

	rawPC.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			pc.log.Warn("marshaling local ice candidate failed", "sessionId", sessionID, "error", err)
			return
		}
		if b.send != nil {
			if err := b.send(wsmsg.TypeIceCandidate, sessionID, clientID, payload); err != nil {
				pc.log.Warn("sending local ice candidate failed", "sessionId", sessionID, "error", err)
			}
		}
	})

	rawPC.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		pc.log.Info("peer connection state changed", "sessionId", sessionID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if b.onState != nil {
				b.onState(sessionID, true)
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			if b.onState != nil {
				b.onState(sessionID, false)
			}
			if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
				b.Remove(sessionID)
			}
		}
	})

	rawPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		pc.bindDataChannel(dc)
	})

	return pc, nil
}

// bindDataChannel wires a remotely-created data channel (the browser client
// always opens the channel in this design) to the assistant command loop.
func (pc *PeerChannel) bindDataChannel(dc *webrtc.DataChannel) {
	pc.dc = dc

	dc.OnOpen(func() {
		pc.mu.Lock()
		pc.dcOpen = true
		pc.mu.Unlock()
		pc.log.Info("data channel open", "sessionId", pc.sessionID)
	})

	dc.OnClose(func() {
		pc.mu.Lock()
		pc.dcOpen = false
		pc.mu.Unlock()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		pc.touch()
		pc.handleFrame(msg.Data)
	})
}

// handleFrame processes one inbound data-channel frame per spec.md section
// 4.3's command table: ping, claude-command, key-input, response.
func (pc *PeerChannel) handleFrame(raw []byte) {
	var frame wsmsg.DataChannelFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		pc.sendError("malformed frame")
		return
	}

	switch frame.Type {
	case wsmsg.DCPing:
		pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCPong, Timestamp: time.Now().Unix()})
	case wsmsg.DCClaudeCommand:
		pc.handleCommand(frame.Command)
	case wsmsg.DCKeyInput, wsmsg.DCResponse:
		pc.forwardInput(frame)
	default:
		pc.sendError("unknown frame type")
	}
}

// handleCommand runs the same safety-checked dispatch as Bridge.Execute, but
// also starts streaming output back over the data channel once the
// assistant accepts the command — the behavior the admin HTTP fallback
// cannot offer since it has no open data channel to stream through.
func (pc *PeerChannel) handleCommand(command string) {
	verdict := safety.Check(command)
	if !verdict.Allowed {
		pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCError, Error: "command rejected by safety filter", Reason: verdict.Reason, Timestamp: time.Now().Unix()})
		return
	}

	a := pc.bridge.ensureAssistant(pc.sessionID)

	if command == safety.CommandExit {
		if err := a.Exit(); err != nil {
			pc.sendError(err.Error())
			return
		}
		pc.bridge.forgetAssistant(pc.sessionID)
		pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCCompleted, Timestamp: time.Now().Unix()})
		return
	}

	if err := a.Write([]byte(command + "\n")); err != nil {
		pc.sendError(err.Error())
		pc.bridge.forgetAssistant(pc.sessionID)
		return
	}

	go pc.pumpAssistantOutput(a)
}

// pumpAssistantOutput streams one subscriber's worth of assistant output to
// the data channel until the prompt reappears, quiescence elapses, or the
// process exits, then emits a completed frame.
func (pc *PeerChannel) pumpAssistantOutput(a *assistant.Session) {
	out, cancel := a.Subscribe()
	defer cancel()

	quiesce := time.NewTimer(2 * time.Second)
	defer quiesce.Stop()

	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCError, Error: "assistant process exited", Timestamp: time.Now().Unix()})
				return
			}
			if chunk == nil {
				pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCCompleted, Timestamp: time.Now().Unix()})
				return
			}
			pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCOutput, Output: string(chunk), Timestamp: time.Now().Unix()})
			if !quiesce.Stop() {
				select {
				case <-quiesce.C:
				default:
				}
			}
			quiesce.Reset(2 * time.Second)
			if assistant.DefaultPromptDetector(chunk) {
				pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCCompleted, Timestamp: time.Now().Unix()})
				return
			}
		case <-quiesce.C:
			pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCCompleted, Timestamp: time.Now().Unix()})
			return
		}
	}
}

// forwardInput writes raw keystrokes or a prompt response straight to the
// assistant's stdin without going through the completion-detection loop.
func (pc *PeerChannel) forwardInput(frame wsmsg.DataChannelFrame) {
	a, ok := pc.bridge.getAssistant(pc.sessionID)
	if !ok {
		pc.sendError("no active assistant session")
		return
	}

	payload := frame.Keys
	if payload == "" {
		payload = frame.Input
	}
	if err := a.Write([]byte(payload)); err != nil {
		pc.sendError(err.Error())
	}
}

func (pc *PeerChannel) sendError(reason string) {
	pc.send(wsmsg.DataChannelFrame{Type: wsmsg.DCError, Error: reason, Timestamp: time.Now().Unix()})
}

// send marshals and writes frame to the data channel if it is open; frames
// are dropped (and logged) if the channel is not yet open, per spec.md
// section 4.3's "send only when open" guard.
func (pc *PeerChannel) send(frame wsmsg.DataChannelFrame) {
	pc.mu.Lock()
	dc := pc.dc
	open := pc.dcOpen
	pc.mu.Unlock()

	if dc == nil || !open {
		pc.log.Warn("dropping data channel frame: channel not open", "sessionId", pc.sessionID, "frameType", frame.Type)
		return
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		pc.log.Warn("marshaling data channel frame failed", "sessionId", pc.sessionID, "error", err)
		return
	}
	if err := dc.SendText(string(payload)); err != nil {
		pc.log.Warn("sending data channel frame failed", "sessionId", pc.sessionID, "error", err)
	}
}

func (b *Bridge) get(sessionID string) (*PeerChannel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pc, ok := b.channels[sessionID]
	return pc, ok
}

// Remove tears down and forgets the peer channel for sessionID. The
// session's assistant process, if any, is left running: a dropped peer
// connection is often just a reconnect in progress, and the admin HTTP
// fallback may still be driving that same assistant, so only an explicit
// /exit, Cancel, or the idle sweep ends the process itself.
func (b *Bridge) Remove(sessionID string) {
	b.mu.Lock()
	pc, ok := b.channels[sessionID]
	if ok {
		delete(b.channels, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = pc.pc.Close()
}

// SweepIdle removes peer channels idle longer than channelIdleTimeout, and
// assistant sessions idle longer than assistant.InactivityLimit, per
// spec.md section 4.3's periodic sweep.
func (b *Bridge) SweepIdle() {
	b.mu.RLock()
	var staleChannels []string
	for id, pc := range b.channels {
		if pc.IdleFor() > channelIdleTimeout {
			staleChannels = append(staleChannels, id)
		}
	}
	b.mu.RUnlock()
	for _, id := range staleChannels {
		b.log.Info("reaping idle peer channel", "sessionId", id)
		b.Remove(id)
	}

	b.assistantMu.Lock()
	staleAssistants := make(map[string]*assistant.Session)
	for id, a := range b.assistants {
		if a.IdleFor() > assistant.InactivityLimit {
			staleAssistants[id] = a
		}
	}
	for id := range staleAssistants {
		delete(b.assistants, id)
	}
	b.assistantMu.Unlock()

	for id, a := range staleAssistants {
		b.log.Info("reaping idle assistant session", "sessionId", id)
		a.Destroy()
	}
}

// Count returns the number of live peer channels, for health reporting.
func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}
