package adc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedLine  = errors.New("adc: malformed line")
	ErrUnknownCommand = errors.New("adc: unknown command")
)

// Message is one parsed ADC line. Header fields are populated according to
// the message type; Params keeps the remaining arguments in their escaped form.
type Message struct {
	Type     MessageType
	Command  Command
	Source   string // B, D, E, F
	Target   string // D, E
	Features string // F
	CID      string // U
	Params   []string
}

// ParseMessage parses a single line without its delimiter.
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimSuffix(line, "\r")
	if len(line) < 4 {
		return nil, fmt.Errorf("%w: too short: %q", ErrMalformedLine, line)
	}

	msg := &Message{Type: MessageType(line[0])}
	if !msg.Type.Valid() {
		return nil, fmt.Errorf("%w: invalid type %q", ErrMalformedLine, line[0])
	}

	code := line[1:4]
	if !isCommandCode(code) {
		return nil, fmt.Errorf("%w: invalid command %q", ErrMalformedLine, code)
	}
	cmd, ok := LookupCommand(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, code)
	}
	msg.Command = cmd

	var args []string
	if len(line) > 4 {
		if line[4] != ' ' {
			return nil, fmt.Errorf("%w: missing separator after command", ErrMalformedLine)
		}
		args = strings.Fields(line[5:])
	}

	need := 0
	switch msg.Type {
	case TypeBroadcast, TypeUDP:
		need = 1
	case TypeDirect, TypeEcho, TypeFeature:
		need = 2
	}
	if len(args) < need {
		return nil, fmt.Errorf("%w: %c%s requires %d header fields", ErrMalformedLine, msg.Type, code, need)
	}

	switch msg.Type {
	case TypeBroadcast:
		msg.Source = args[0]
	case TypeDirect, TypeEcho:
		msg.Source, msg.Target = args[0], args[1]
	case TypeFeature:
		msg.Source, msg.Features = args[0], args[1]
	case TypeUDP:
		msg.CID = args[0]
	}
	if msg.Source != "" && !IsSID(msg.Source) {
		return nil, fmt.Errorf("%w: invalid source sid %q", ErrMalformedLine, msg.Source)
	}
	if msg.Target != "" && !IsSID(msg.Target) {
		return nil, fmt.Errorf("%w: invalid target sid %q", ErrMalformedLine, msg.Target)
	}

	msg.Params = args[need:]
	return msg, nil
}

// String renders the message in wire format, without the line delimiter.
func (m *Message) String() string {
	var b strings.Builder
	b.WriteByte(byte(m.Type))
	b.WriteString(m.Command.String())

	switch m.Type {
	case TypeBroadcast:
		b.WriteString(" " + m.Source)
	case TypeDirect, TypeEcho:
		b.WriteString(" " + m.Source + " " + m.Target)
	case TypeFeature:
		b.WriteString(" " + m.Source + " " + m.Features)
	case TypeUDP:
		b.WriteString(" " + m.CID)
	}

	for _, p := range m.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	return b.String()
}

// Param returns the i-th positional parameter in its escaped form, or "".
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Text returns the i-th positional parameter unescaped.
func (m *Message) Text(i int) string {
	return Unescape(m.Param(i))
}

// Fields returns the named parameters (two letter key followed by the value)
// found at or after position from, with their values unescaped. Later
// occurrences of the same key win.
func (m *Message) Fields(from int) map[string]string {
	fields := make(map[string]string)
	for i := from; i < len(m.Params); i++ {
		p := m.Params[i]
		if len(p) < 2 {
			continue
		}
		fields[p[:2]] = Unescape(p[2:])
	}
	return fields
}

// Field returns the value of the first named parameter with the given key.
func (m *Message) Field(key string) (string, bool) {
	for _, p := range m.Params {
		if len(p) >= 2 && p[:2] == key {
			return Unescape(p[2:]), true
		}
	}
	return "", false
}

func Broadcast(cmd Command, source string, params ...string) *Message {
	return &Message{Type: TypeBroadcast, Command: cmd, Source: source, Params: params}
}

func Direct(cmd Command, source, target string, params ...string) *Message {
	return &Message{Type: TypeDirect, Command: cmd, Source: source, Target: target, Params: params}
}

func ToHub(cmd Command, params ...string) *Message {
	return &Message{Type: TypeHub, Command: cmd, Params: params}
}

func ToClient(cmd Command, params ...string) *Message {
	return &Message{Type: TypeClient, Command: cmd, Params: params}
}

// NamedParam builds a named parameter, escaping its value.
func NamedParam(key, value string) string {
	return key + Escape(value)
}

// IsSID reports whether s looks like a session id (four base32 characters).
func IsSID(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z' || c >= '2' && c <= '7') {
			return false
		}
	}
	return true
}

func isCommandCode(code string) bool {
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Status is a parsed STA message.
type Status struct {
	Severity    int
	Code        int
	Description string
}

func (s Status) OK() bool {
	return s.Severity == 0
}

func (s Status) Error() string {
	return fmt.Sprintf("status %d%02d: %s", s.Severity, s.Code, s.Description)
}

// ParseStatus extracts the status code and description of a STA message.
func ParseStatus(m *Message) (Status, error) {
	code := m.Param(0)
	if len(code) != 3 {
		return Status{}, fmt.Errorf("%w: status code %q", ErrMalformedLine, code)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 0 {
		return Status{}, fmt.Errorf("%w: status code %q", ErrMalformedLine, code)
	}
	return Status{
		Severity:    n / 100,
		Code:        n % 100,
		Description: m.Text(1),
	}, nil
}

// SupportFeatures splits the AD/RM parameters of a SUP message.
func SupportFeatures(m *Message) (add, remove []string) {
	for _, p := range m.Params {
		if len(p) < 2 {
			continue
		}
		switch p[:2] {
		case "AD":
			add = append(add, p[2:])
		case "RM":
			remove = append(remove, p[2:])
		}
	}
	return add, remove
}
