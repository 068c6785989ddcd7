package cron

import (
	"time"

	"github.com/haasonsaas/valet/internal/gateway"
	"github.com/haasonsaas/valet/pkg/models"
)

// Job is one schedule rule with its runtime bookkeeping.
type Job struct {
	Name     string
	Prompt   string
	Channel  string
	Enabled  bool
	Schedule Schedule

	NextRun   time.Time
	LastRun   time.Time
	LastError string
}

// Injector feeds synthetic channel events into the gateway intake.
// *gateway.Server is the production implementation.
type Injector interface {
	Inject(evt *models.ChannelEvent) bool
}

// InjectorFunc adapts a function to an Injector.
type InjectorFunc func(evt *models.ChannelEvent) bool

// Inject executes the injector function.
func (f InjectorFunc) Inject(evt *models.ChannelEvent) bool {
	return f(evt)
}

// SinkRegistry accepts response sinks for channels that no adapter
// owns. *gateway.Router is the production implementation.
type SinkRegistry interface {
	RegisterSink(channelID string, sink gateway.Sink)
	UnregisterSink(channelID string)
}
