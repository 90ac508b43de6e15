// Package model defines the core domain types for the conduit mediator.
//
// Channels and routes are owned by the administrative layer and are read-only
// here. Transactions are owned by the ingress/recording pipeline; the rerun
// and culling paths mutate only the fields they are responsible for. Tasks and
// auto-retry entries are owned by this module.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType selects the transport used to replay a channel's transactions.
type ChannelType string

const (
	ChannelTypeHTTP    ChannelType = "http"
	ChannelTypeTCP     ChannelType = "tcp"
	ChannelTypeTLS     ChannelType = "tls"
	ChannelTypePolling ChannelType = "polling"
)

// IsHTTPFamily reports whether transactions on this channel type are replayed
// through the HTTP rerun ingress.
func (t ChannelType) IsHTTPFamily() bool {
	return t == ChannelTypeHTTP || t == ChannelTypePolling
}

// IsSocketFamily reports whether transactions on this channel type are replayed
// over a raw TCP or TLS socket.
func (t ChannelType) IsSocketFamily() bool {
	return t == ChannelTypeTCP || t == ChannelTypeTLS
}

// ChannelStatus is the administrative state of a channel.
type ChannelStatus string

const (
	ChannelStatusEnabled  ChannelStatus = "enabled"
	ChannelStatusDisabled ChannelStatus = "disabled"
	ChannelStatusDeleted  ChannelStatus = "deleted"
)

// RouteStatus is the administrative state of a route.
type RouteStatus string

const (
	RouteStatusEnabled  RouteStatus = "enabled"
	RouteStatusDisabled RouteStatus = "disabled"
)

// Route is one configured backend destination within a channel.
type Route struct {
	Name         string      `json:"name"`
	Host         string      `json:"host"`
	Port         int         `json:"port"`
	Path         string      `json:"path,omitempty"`
	ProtocolType string      `json:"protocol_type"`
	Secured      bool        `json:"secured"`
	Status       RouteStatus `json:"status"`
	Primary      bool        `json:"primary"`
}

// Channel is the routing configuration consumed by the rerun, auto-retry and
// culling paths.
type Channel struct {
	ID     uuid.UUID     `json:"id"`
	Name   string        `json:"name"`
	Type   ChannelType   `json:"type"`
	Routes []Route       `json:"routes"`
	Status ChannelStatus `json:"status"`

	// TCPHost/TCPPort is the channel's socket listener; tcp and tls reruns
	// connect here.
	TCPHost string `json:"tcp_host,omitempty"`
	TCPPort int    `json:"tcp_port,omitempty"`

	TimeoutMillis *int `json:"timeout_millis,omitempty"`

	AutoRetryEnabled       bool `json:"auto_retry_enabled"`
	AutoRetryPeriodMinutes int  `json:"auto_retry_period_minutes"`
	AutoRetryMaxAttempts   int  `json:"auto_retry_max_attempts"` // 0 = unlimited

	MaxBodyAgeDays   *int       `json:"max_body_age_days,omitempty"`
	LastBodyCulledAt *time.Time `json:"last_body_culled_at,omitempty"`
}

// PrimaryRoute returns the single enabled primary route, if any. When the
// configuration holds more than one, the first in declaration order wins.
func (c Channel) PrimaryRoute() (Route, bool) {
	for _, r := range c.Routes {
		if r.Primary && r.Status != RouteStatusDisabled {
			return r, true
		}
	}
	return Route{}, false
}

// Timeout returns the channel's request timeout, falling back to def when the
// channel does not override it.
func (c Channel) Timeout(def time.Duration) time.Duration {
	if c.TimeoutMillis != nil && *c.TimeoutMillis > 0 {
		return time.Duration(*c.TimeoutMillis) * time.Millisecond
	}
	return def
}
