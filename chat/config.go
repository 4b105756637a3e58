package chat

import (
	"time"
)

const (
	DefaultPageSize     = 50
	DefaultSettleDelay  = 1 * time.Second
	DefaultReadDebounce = 400 * time.Millisecond
	DefaultSendWait     = 5 * time.Second
	DefaultRetryBase    = 1 * time.Second
	DefaultRetryMax     = 30 * time.Second
	DefaultJoinAttempts = 3
	DefaultSendAttempts = 5
	DefaultCallTimeout  = 15 * time.Second
)

// Config of the chat engine. Zero values take defaults.
type Config struct {
	// PageSize of a history fetch.
	PageSize int

	// SettleDelay between entering Joined and the first "mark latest as read".
	SettleDelay time.Duration

	// ReadDebounce is the quiet period after the last inbound message before
	// "mark latest as read" is called.
	ReadDebounce time.Duration

	// SendWait bounds the wait for a live link before a send fails.
	SendWait time.Duration

	// Retry policy of transient errors: exponential from RetryBase, doubled, capped
	// at RetryMax.
	RetryBase    time.Duration
	RetryMax     time.Duration
	JoinAttempts int
	SendAttempts int

	// CallTimeout bounds background backend calls (read marks, mute sync).
	CallTimeout time.Duration
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.ReadDebounce <= 0 {
		c.ReadDebounce = DefaultReadDebounce
	}
	if c.SendWait <= 0 {
		c.SendWait = DefaultSendWait
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = DefaultSendAttempts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
}
