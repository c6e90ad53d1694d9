package uplink

// Command bytes carried in the outer frame's cmd field, per §4.6. Realtime
// (0x02) and Repeat (0x03) are defined in the telemetry package, which owns
// the ReportData payload encoding; the uplink client reuses them.
const (
	CmdVehicleLogin     byte = 0x01
	CmdClientHeartbeat  byte = 0x07
	CmdQuery            byte = 0x80
	CmdSetup            byte = 0x81
	CmdTerminalControl  byte = 0x82
)

// Answer bytes carried in the outer frame's ans field for frames the agent
// receives, per §4.6.
const (
	AnsSucceed      byte = 0x01
	AnsError        byte = 0x02
	AnsVinDuplicate byte = 0x03
	// AnsServerCmd marks an inbound frame as a command-from-server (Query,
	// Setup, TerminalControl) rather than an acknowledgement.
	AnsServerCmd byte = 0xFE
)

// TerminalControl sub-commands (payload[0] of cmd=0x82), per §4.6.
const (
	TermUpdate        byte = 0x01
	TermPowerOff      byte = 0x02
	TermReboot        byte = 0x03
	TermResetDefaults byte = 0x04
	TermPPPDisconnect byte = 0x05
)
