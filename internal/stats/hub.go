package stats

import (
	"context"
	"time"

	"github.com/Tyrowin/nexushub/internal/jsonfile"
)

// HubCounters reads hub-internal figures. Nil funcs report zero.
type HubCounters struct {
	Addresses   func() int
	Usernames   func() int
	Online      func() int
	Connections func() int
	Messages    func() uint64
	Channels    func() int
}

// HubSnapshot describes the hub itself.
type HubSnapshot struct {
	UniqueAddresses int    `json:"unique_addresses"`
	TotalUsernames  int    `json:"total_usernames"`
	OnlineAddresses int    `json:"online_addresses"`
	Connections     int    `json:"connections"`
	MessagesSent    uint64 `json:"messages_sent"`
	Channels        int    `json:"channels"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	Uptime          string `json:"uptime"`
	Timestamp       string `json:"timestamp"`
}

// HubSampler builds HubSnapshots from counters.
type HubSampler struct {
	counters HubCounters
	started  time.Time
	now      func() time.Time
}

// NewHubSampler returns a sampler measuring uptime from started.
func NewHubSampler(c HubCounters, started time.Time) *HubSampler {
	return &HubSampler{counters: c, started: started, now: time.Now}
}

// Sample implements Sampler.
func (h *HubSampler) Sample(context.Context) (any, error) {
	now := h.now()
	uptime := now.Sub(h.started).Truncate(time.Second)
	return HubSnapshot{
		UniqueAddresses: count(h.counters.Addresses),
		TotalUsernames:  count(h.counters.Usernames),
		OnlineAddresses: count(h.counters.Online),
		Connections:     count(h.counters.Connections),
		MessagesSent:    countU(h.counters.Messages),
		Channels:        count(h.counters.Channels),
		UptimeSeconds:   int64(uptime / time.Second),
		Uptime:          uptime.String(),
		Timestamp:       jsonfile.FormatTime(now),
	}, nil
}

func count(fn func() int) int {
	if fn == nil {
		return 0
	}
	return fn()
}

func countU(fn func() uint64) uint64 {
	if fn == nil {
		return 0
	}
	return fn()
}
