// Package adc implements the wire side of the ADC protocol: message parsing,
// escaping and the line framer used by hub and peer connections.
package adc

import "fmt"

// MessageType is the single-character message type prefix of an ADC line.
type MessageType byte

const (
	TypeBroadcast MessageType = 'B'
	TypeClient    MessageType = 'C'
	TypeDirect    MessageType = 'D'
	TypeEcho      MessageType = 'E'
	TypeFeature   MessageType = 'F'
	TypeHub       MessageType = 'H'
	TypeInfo      MessageType = 'I'
	TypeUDP       MessageType = 'U'
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeBroadcast, TypeClient, TypeDirect, TypeEcho, TypeFeature, TypeHub, TypeInfo, TypeUDP:
		return true
	}
	return false
}

func (t MessageType) String() string {
	return string(rune(t))
}

// Command is the closed set of ADC commands this client understands.
type Command uint8

const (
	CmdUnknown Command = iota
	CmdSUP
	CmdSID
	CmdINF
	CmdSTA
	CmdMSG
	CmdQUI
	CmdCTM
	CmdRCM
	CmdGET
	CmdSND
	CmdSCH
	CmdRES
	CmdGFI
)

var commandCodes = map[string]Command{
	"SUP": CmdSUP,
	"SID": CmdSID,
	"INF": CmdINF,
	"STA": CmdSTA,
	"MSG": CmdMSG,
	"QUI": CmdQUI,
	"CTM": CmdCTM,
	"RCM": CmdRCM,
	"GET": CmdGET,
	"SND": CmdSND,
	"SCH": CmdSCH,
	"RES": CmdRES,
	"GFI": CmdGFI,
}

// LookupCommand maps a three letter command code to its Command.
func LookupCommand(code string) (Command, bool) {
	cmd, ok := commandCodes[code]
	return cmd, ok
}

func (c Command) String() string {
	switch c {
	case CmdSUP:
		return "SUP"
	case CmdSID:
		return "SID"
	case CmdINF:
		return "INF"
	case CmdSTA:
		return "STA"
	case CmdMSG:
		return "MSG"
	case CmdQUI:
		return "QUI"
	case CmdCTM:
		return "CTM"
	case CmdRCM:
		return "RCM"
	case CmdGET:
		return "GET"
	case CmdSND:
		return "SND"
	case CmdSCH:
		return "SCH"
	case CmdRES:
		return "RES"
	case CmdGFI:
		return "GFI"
	default:
		return fmt.Sprintf("???(%d)", c)
	}
}
