// Package cmderr holds the command result codes returned to devices inside acknowledgement
// payloads.
package cmderr

import "fmt"

type Code uint16

// Command success
const (
	OK    Code = 0x0000 // executed, nothing returned to the server
	OKAck Code = 0x0001 // executed, acknowledgement returned to the server
)

// Command argument errors
const (
	Arguments Code = 0xF011
	Index     Code = 0xF012
	Status    Code = 0xF013
	Length    Code = 0xF014
	Name      Code = 0xF015
	Checksum  Code = 0xF016
	Offset    Code = 0xF017
)

// Command execution errors
const (
	Execution       Code = 0xF511
	HardwareFailure Code = 0xF521
)

// User defined aliases. Protocols alias these for their own failures.
const (
	Error00 Code = 0xFE00
	Error01 Code = 0xFE01
	Error02 Code = 0xFE02
	Error03 Code = 0xFE03
	Error04 Code = 0xFE04
	Error05 Code = 0xFE05
	Error06 Code = 0xFE06
	Error07 Code = 0xFE07
)

const FeatureNotSupported Code = 0xFF01

var descriptions = map[Code]string{
	OK:                  "Successful",
	OKAck:               "Successful (acknowledged)",
	Arguments:           "Invalid argument",
	Index:               "Invalid index",
	Status:              "Invalid status code",
	Length:              "Invalid length",
	Name:                "Invalid name",
	Checksum:            "Invalid checksum",
	Offset:              "Invalid offset",
	Execution:           "Execution error",
	HardwareFailure:     "Hardware failure",
	Error00:             "Custom error 00",
	Error01:             "Custom error 01",
	Error02:             "Custom error 02",
	Error03:             "Custom error 03",
	Error04:             "Custom error 04",
	Error05:             "Custom error 05",
	Error06:             "Custom error 06",
	Error07:             "Custom error 07",
	FeatureNotSupported: "Feature not supported",
}

// Describe returns the description of code. Unknown codes are rendered with their hex value.
func Describe(code Code) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("Unknown [0x%04X]", uint16(code))
}

func (c Code) String() string {
	return Describe(c)
}

func (c Code) Known() bool {
	_, ok := descriptions[c]
	return ok
}

// IsError reports whether c is outside the success range.
func (c Code) IsError() bool {
	return c != OK && c != OKAck
}
