// Package command defines the closed set of hub-to-device commands and
// their single decode point at the transport boundary.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// Kind identifies a command type
type Kind string

const (
	KindRequestLocation    Kind = "request_location"
	KindSetMode            Kind = "set_mode"
	KindSetBackgroundGrant Kind = "set_background_grant"
	KindSetIdleCadence     Kind = "set_idle_cadence"
	KindStopTracking       Kind = "stop_tracking"
)

// Command is one hub-to-device control message. The ID makes duplicate
// delivery over a QoS-1 channel safe to detect.
type Command struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// request_location
	Force bool `json:"force,omitempty"`

	// set_mode / set_idle_cadence
	Mode             fix.TrackingMode `json:"mode,omitempty"`
	HeartbeatSeconds *int64           `json:"heartbeat_s,omitempty"`
	FullFixSeconds   *int64           `json:"full_fix_s,omitempty"`

	// set_background_grant
	Enabled bool `json:"enabled,omitempty"`
}

// HeartbeatInterval returns the heartbeat override, if present
func (c *Command) HeartbeatInterval() (time.Duration, bool) {
	if c.HeartbeatSeconds == nil {
		return 0, false
	}
	return time.Duration(*c.HeartbeatSeconds) * time.Second, true
}

// FullFixInterval returns the full-fix override, if present
func (c *Command) FullFixInterval() (time.Duration, bool) {
	if c.FullFixSeconds == nil {
		return 0, false
	}
	return time.Duration(*c.FullFixSeconds) * time.Second, true
}

// Encode serializes a command for the command channel
func Encode(c Command) ([]byte, error) {
	if err := validate(&c); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Decode parses and validates an inbound command payload. Decoding happens
// exactly once, here; the producer only ever sees typed commands.
func Decode(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("malformed command payload: %w", err)
	}
	if err := validate(&c); err != nil {
		return Command{}, err
	}
	return c, nil
}

func validate(c *Command) error {
	if c.ID == "" {
		return fmt.Errorf("command has no id")
	}
	switch c.Kind {
	case KindRequestLocation, KindStopTracking, KindSetBackgroundGrant:
		return nil
	case KindSetMode:
		if _, err := fix.ParseMode(string(c.Mode)); err != nil {
			return fmt.Errorf("set_mode: %w", err)
		}
		return nil
	case KindSetIdleCadence:
		if c.HeartbeatSeconds == nil || c.FullFixSeconds == nil {
			return fmt.Errorf("set_idle_cadence requires heartbeat_s and full_fix_s")
		}
		return nil
	default:
		return fmt.Errorf("unknown command kind: %q", c.Kind)
	}
}
