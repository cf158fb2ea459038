package actuator

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
)

// Numato boards accept ASCII commands terminated by CR and answer a query
// with an echo of the command, the state and a ">" prompt.
const (
	commandTerminator = "\r"
	responsePrompt    = '>'
	maxRelayPort      = 31
)

// portToken renders a port number the way the board expects it: 0-9 as
// digits, 10 and above as upper-case letters starting at "A".
func portToken(port int) (string, error) {
	switch {
	case port < 0 || port > maxRelayPort:
		return "", fmt.Errorf("%w: %d", ErrInvalidPort, port)
	case port < 10:
		return string(rune('0' + port)), nil
	default:
		return string(rune('A' + port - 10)), nil
	}
}

func relayCommand(verb string, port int) (string, error) {
	tok, err := portToken(port)
	if err != nil {
		return "", err
	}
	return "relay " + verb + " " + tok, nil
}

// readAnswer returns the part of raw between the last echo of cmd and the
// prompt that follows it. ok is false until that prompt has arrived.
func readAnswer(raw []byte, cmd string) (answer []byte, ok bool) {
	i := bytes.LastIndex(raw, []byte(cmd))
	if i < 0 {
		return nil, false
	}
	rest := raw[i+len(cmd):]
	end := bytes.IndexByte(rest, responsePrompt)
	if end < 0 {
		return nil, false
	}
	return rest[:end+1], true
}

// parseReadResponse extracts the relay state from a "relay read" answer.
func parseReadResponse(raw []byte) (bool, error) {
	fields := strings.FieldsFunc(string(raw), func(r rune) bool {
		return unicode.IsSpace(r) || r == responsePrompt
	})

	var sawOn, sawOff bool
	for _, f := range fields {
		switch strings.ToLower(f) {
		case "on":
			sawOn = true
		case "off":
			sawOff = true
		}
	}
	switch {
	case sawOn && !sawOff:
		return true, nil
	case sawOff && !sawOn:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnparsableResponse, strings.TrimSpace(string(raw)))
	}
}
