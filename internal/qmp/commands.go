package qmp

import (
	"context"
	"encoding/json"
)

// Typed helpers over Execute, per §4.1 and the recognized commands in §6.

func (c *Conn) QueryStatus(ctx context.Context) (string, error) {
	raw, err := c.Execute(ctx, "query-status", nil)
	if err != nil {
		return "", err
	}
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	return v.Status, nil
}

func (c *Conn) Powerdown(ctx context.Context) error {
	_, err := c.Execute(ctx, "system_powerdown", nil)
	return err
}

func (c *Conn) Reset(ctx context.Context) error {
	_, err := c.Execute(ctx, "system_reset", nil)
	return err
}

func (c *Conn) Stop(ctx context.Context) error {
	_, err := c.Execute(ctx, "stop", nil)
	return err
}

func (c *Conn) Cont(ctx context.Context) error {
	_, err := c.Execute(ctx, "cont", nil)
	return err
}

// Quit issues the emergency "quit" command. Reserved for emergency use only
// (§9 design notes) -- normal shutdown must never call this.
func (c *Conn) Quit(ctx context.Context) error {
	_, err := c.Execute(ctx, "quit", nil)
	return err
}

func (c *Conn) Eject(ctx context.Context, device string, force bool) error {
	_, err := c.Execute(ctx, "eject", map[string]interface{}{
		"device": device,
		"force":  force,
	})
	return err
}

func (c *Conn) QueryCpus(ctx context.Context) (json.RawMessage, error) {
	return c.Execute(ctx, "query-cpus-fast", nil)
}

func (c *Conn) QueryBlock(ctx context.Context) (json.RawMessage, error) {
	return c.Execute(ctx, "query-block", nil)
}

// Balloon requests a new guest memory target. bytes must be in bytes, not
// gigabytes -- the wire protocol takes bytes and this helper does not
// convert units (§8 Open Questions); callers must do the conversion.
func (c *Conn) Balloon(ctx context.Context, bytes uint64) error {
	_, err := c.Execute(ctx, "balloon", map[string]interface{}{"value": bytes})
	return err
}

func (c *Conn) QueryBalloon(ctx context.Context) (json.RawMessage, error) {
	return c.Execute(ctx, "query-balloon", nil)
}

// Event kind constants recognized by the Event Reactor (§6).
const (
	EventShutdown  = "SHUTDOWN"
	EventPowerdown = "POWERDOWN"
	EventReset     = "RESET"
	EventStop      = "STOP"
	EventResume    = "RESUME"
	EventSuspend   = "SUSPEND"
	EventWakeup    = "WAKEUP"
)

// ShutdownReason is the SHUTDOWN event's reason vocabulary (§6). Only
// ReasonHostQuit is host-explicit; every other value, including
// ReasonGuestShutdown, is ACPI-originated because the hypervisor reports
// both identically.
const (
	ReasonHostQuit      = "host-qmp-quit"
	ReasonGuestShutdown = "guest-shutdown"
)

// ShutdownData extracts the guest/reason fields from a SHUTDOWN or
// POWERDOWN event's data payload.
func ShutdownData(ev Event) (guest bool, reason string) {
	if ev.Data == nil {
		return false, ""
	}
	if g, ok := ev.Data["guest"].(bool); ok {
		guest = g
	}
	if r, ok := ev.Data["reason"].(string); ok {
		reason = r
	}
	return
}
