package sniffer

import "sync/atomic"

// Status reports the sniffer's current runtime state, per spec §4.9.
type Status struct {
	Active    bool   `json:"active"`
	Interface string `json:"interface"`
	Filter    string `json:"filter"`
}

// control is the runtime control surface: it gates the capture hot
// loop behind an atomic flag so enable/disable never reopens the pcap
// handle, and every operation is idempotent.
type control struct {
	iface   string
	filter  string
	enabled atomic.Bool
}

func newControl(iface, filter string, enabled bool) *control {
	c := &control{iface: iface, filter: filter}
	c.enabled.Store(enabled)
	return c
}

// Enabled reports whether the capture loop should currently process packets.
func (c *control) Enabled() bool {
	return c.enabled.Load()
}

// Filter returns the configured BPF filter.
func (c *control) Filter() string {
	return c.filter
}

// Enable turns packet processing on. Idempotent.
func (c *control) Enable() {
	c.enabled.Store(true)
}

// Disable turns packet processing off without closing the capture handle.
// Idempotent.
func (c *control) Disable() {
	c.enabled.Store(false)
}

// StatusReport returns the current status for the control endpoint.
func (c *control) StatusReport() Status {
	return Status{
		Active:    c.enabled.Load(),
		Interface: c.iface,
		Filter:    c.filter,
	}
}
