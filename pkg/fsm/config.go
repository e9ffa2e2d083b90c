package fsm

import "time"

// Config holds automaton timing and policy options
type Config struct {
	RestartTimer time.Duration // Restart timer period (default 3s)
	MaxConfigure int           // Configure-Request retransmissions before giving up (default 10)
	MaxTerminate int           // Terminate-Request retransmissions before giving up (default 2)

	// NoConfig skips negotiation: Up/Open go straight to Opened.
	NoConfig bool
	// EnableReset makes an Open in Stopped, Closing, Stopping or Opened
	// renegotiate through a synthetic Down/Up.
	EnableReset bool
}

// DefaultConfig returns default automaton configuration
func DefaultConfig() Config {
	return Config{
		RestartTimer: 3 * time.Second,
		MaxConfigure: 10,
		MaxTerminate: 2,
	}
}

// Actions are the protocol-specific effects the automaton requests.
type Actions interface {
	ThisLayerUp()
	ThisLayerDown()
	ThisLayerStarted()
	ThisLayerFinished(reason FinishReason)

	SendConfigRequest()
	SendConfigAck()
	SendConfigNak()
	SendTermRequest()
	SendTermAck()
	SendCodeReject()
	SendEchoReply()
}

// TimerService runs single-shot timers. DelTimer must guarantee that a
// cancelled timer's callback is never run afterwards.
type TimerService interface {
	AddTimer(key any, period time.Duration, fn func())
	DelTimer(key any)
}
