package grbl

import (
	"errors"
	"fmt"

	"engraver/internal/services"
)

// ErrCommandTimeout is returned when the controller does not acknowledge a
// command within the command timeout.
var ErrCommandTimeout = fmt.Errorf("%w: grbl command not acknowledged", services.ErrTimeout)

// ErrPortClosed is returned when the serial connection drops mid-stream.
var ErrPortClosed = errors.New("grbl: port closed")

// CommandError is an "error:N" reply to a streamed line.
type CommandError struct {
	Code int
	Line string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("grbl error:%d on %q", e.Code, e.Line)
}

// Unwrap classifies the reply. Codes 1-3 and 20-38 reject the G-code itself,
// so retrying the same program cannot succeed.
func (e *CommandError) Unwrap() error {
	if (e.Code >= 1 && e.Code <= 3) || (e.Code >= 20 && e.Code <= 38) {
		return services.ErrValidation
	}
	return services.ErrDevice
}

// AlarmError is an "ALARM:N" report. The controller locks until reset.
type AlarmError struct {
	Code int
}

func (e *AlarmError) Error() string {
	return fmt.Sprintf("grbl ALARM:%d", e.Code)
}

func (e *AlarmError) Unwrap() error {
	return services.ErrDevice
}
