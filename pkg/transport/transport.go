// Package transport provides the paired message link between the sensor
// device and the hub: three telemetry paths, a command channel, and
// debounced reachability reporting.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/fixrelay/fixrelay/pkg/fix"
)

// Path identifies which delivery path carried a payload
type Path string

const (
	PathInteractive Path = "interactive"
	PathBatch       Path = "batch"
	PathFile        Path = "file"
)

// Payload is the wire envelope for telemetry. A single interactive or
// file-path fix travels as a one-element array with IsBatched false.
type Payload struct {
	IsBatched bool      `json:"is_batched"`
	Fixes     []fix.Fix `json:"fixes"`
}

// EncodeFix encodes a single fix for the interactive or file path
func EncodeFix(f fix.Fix) ([]byte, error) {
	return json.Marshal(Payload{IsBatched: false, Fixes: []fix.Fix{f}})
}

// EncodeBatch encodes buffered fixes for the batched path
func EncodeBatch(fixes []fix.Fix) ([]byte, error) {
	return json.Marshal(Payload{IsBatched: true, Fixes: fixes})
}

// Decode parses a telemetry payload. An empty or malformed payload is a
// decode failure; the hub escalates after repeated ones.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("malformed telemetry payload: %w", err)
	}
	if len(p.Fixes) == 0 {
		return Payload{}, fmt.Errorf("telemetry payload contains no fixes")
	}
	return p, nil
}

// TelemetryHandler receives inbound telemetry on the hub side
type TelemetryHandler func(path Path, payload []byte)

// Link is the paired transport the router and hub speak through. Send
// methods return an error on transport-level failure; callers decide how
// to fall back or retry.
type Link interface {
	Connect() error
	Disconnect()

	// Reachable reports whether the peer is currently reachable. The
	// reading reflects the debounced connection state.
	Reachable() bool

	SendFix(data []byte) error
	SendBatch(data []byte) error
	SendFile(handle string, data []byte) error

	SubscribeTelemetry(handler TelemetryHandler) error
	SubscribeCommands(handler func(data []byte)) error
	PublishCommand(data []byte) error

	// OnReachabilityChanged registers an observer for debounced
	// reachability transitions.
	OnReachabilityChanged(func(reachable bool))
}
