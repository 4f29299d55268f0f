package backend

import "encoding/json"

// CommandType is the closed set of remote commands. Wire strings are parsed
// once at the queue boundary; anything unrecognized maps to CmdUnknown and
// is reported as a failed command rather than silently ignored.
type CommandType int

const (
	CmdUnknown CommandType = iota
	CmdResetCounters
	CmdClearMemory
	CmdClearQueue
	CmdReboot
	CmdUpdateSettings
	CmdGetStatus
	CmdSyncTime
	CmdUpdateFirmware
)

var commandTypeNames = map[string]CommandType{
	"RESET_COUNTERS":  CmdResetCounters,
	"CLEAR_MEMORY":    CmdClearMemory,
	"CLEAR_QUEUE":     CmdClearQueue,
	"REBOOT":          CmdReboot,
	"UPDATE_SETTINGS": CmdUpdateSettings,
	"GET_STATUS":      CmdGetStatus,
	"SYNC_TIME":       CmdSyncTime,
	"UPDATE_FIRMWARE": CmdUpdateFirmware,
}

// ParseCommandType maps a wire string to a CommandType.
func ParseCommandType(s string) CommandType {
	if t, ok := commandTypeNames[s]; ok {
		return t
	}
	return CmdUnknown
}

func (t CommandType) String() string {
	for name, ct := range commandTypeNames {
		if ct == t {
			return name
		}
	}
	return "UNKNOWN"
}

// CommandRecord is an inbound command as queued. Appended by the poll,
// consumed by the executor; terminal after one execution attempt.
type CommandRecord struct {
	CommandID          string          `json:"command_id"`
	Type               string          `json:"command_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	ReceivedAtUptimeMs int64           `json:"received_at_uptime_ms"`
}
