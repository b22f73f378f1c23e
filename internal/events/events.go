// Package events defines the messages broadcast to console clients.
//
// Producers (the sync driver, the engine, the mapping watcher) publish to a
// Sink; the console's WebSocket hub implements Sink and fans the messages out
// to connected clients. A no-op sink keeps producers decoupled from whether a
// console is running at all.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeRunStarted indicates a sync run has begun.
	TypeRunStarted Type = "run_started"

	// TypePotSynced indicates one pot's delta was applied to the ledger.
	TypePotSynced Type = "pot_synced"

	// TypeRunComplete indicates a sync run settled, successfully or not.
	TypeRunComplete Type = "run_complete"

	// TypeMappingUpdate indicates the mapping file changed out of band.
	TypeMappingUpdate Type = "mapping_update"
)

// Event is a broadcast message.
type Event struct {
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// RunStartedData describes a beginning run.
type RunStartedData struct {
	Trigger string `json:"trigger"` // "schedule", "console", "cli"
}

// PotSyncedData describes one applied pot delta.
type PotSyncedData struct {
	PotID      string `json:"pot_id"`
	PotName    string `json:"pot_name"`
	AccountID  string `json:"account_id"`
	Delta      int64  `json:"delta"`
	NewBalance int64  `json:"new_balance"`
}

// RunCompleteData describes a settled run.
type RunCompleteData struct {
	Applied  int    `json:"applied"`
	Failed   int    `json:"failed"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// MappingUpdateData describes an out-of-band mapping file change.
type MappingUpdateData struct {
	Path string `json:"path"`
}

// Sink receives published events. Implementations must not block.
type Sink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

// Nop returns a sink that discards everything.
func Nop() Sink {
	return nopSink{}
}

// New builds an event of the given type with the payload marshaled into Data.
// Marshal failures yield an event with empty Data; payloads here are plain
// structs that cannot fail to marshal.
func New(typ Type, payload interface{}) Event {
	data, _ := json.Marshal(payload)
	return Event{Type: typ, Timestamp: time.Now(), Data: data}
}
