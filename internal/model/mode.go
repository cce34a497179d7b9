package model

import "fmt"

// Mode selects where chat data comes from.
type Mode string

const (
	ModeLive    Mode = "live"
	ModeFixture Mode = "fixture"
)

func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModeLive, ModeFixture:
		return Mode(value), nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrorValidation, value)
}
