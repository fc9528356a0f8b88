package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
)

// Action is a control command understood by the player
type Action string

const (
	ActionPlay   Action = "play"
	ActionStop   Action = "stop"
	ActionToggle Action = "toggle"
	ActionFade   Action = "fade"
)

// Declared capacities of the control surface
const (
	MinButton           = 1
	MaxButton           = 999
	MinFadeSeconds      = 0.1
	MaxFadeSeconds      = 30.0
	DefaultFadeSeconds  = 3.0
	DefaultFadeStepSize = 0.1
)

var (
	ErrInvalidButton = errors.New("button number out of range")
	ErrInvalidFade   = errors.New("fade duration out of range")
	ErrInvalidAction = errors.New("unknown action")
)

// ParseAction maps an action name to an Action
func ParseAction(name string) (Action, error) {
	switch a := Action(name); a {
	case ActionPlay, ActionStop, ActionToggle, ActionFade:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, name)
}

// Command is one validated control request
type Command struct {
	Action Action
	Button int
	// FadeSeconds is only used by ActionFade
	FadeSeconds float64
}

// Validate checks button and fade ranges
func (c Command) Validate() error {
	if _, err := ParseAction(string(c.Action)); err != nil {
		return err
	}
	if c.Button < MinButton || c.Button > MaxButton {
		return fmt.Errorf("%w: %d", ErrInvalidButton, c.Button)
	}
	if c.Action == ActionFade && !validFade(c.FadeSeconds) {
		return fmt.Errorf("%w: %g", ErrInvalidFade, c.FadeSeconds)
	}
	return nil
}

func validFade(seconds float64) bool {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return false
	}
	return seconds >= MinFadeSeconds && seconds <= MaxFadeSeconds
}

// Path returns the player endpoint for the command
func (c Command) Path() string {
	return fmt.Sprintf("/api/button/%d/%s", c.Button, c.Action)
}

// Body returns the JSON body sent with the command, if any
func (c Command) Body() map[string]any {
	if c.Action != ActionFade {
		return nil
	}
	return map[string]any{"duration": c.FadeSeconds}
}

// Dispatcher sends control commands to the player. It holds no state; the
// response body is discarded and only the connectivity status is updated.
type Dispatcher struct {
	ctx     context.Context
	sender  *Sender
	metrics *Metrics
}

// NewDispatcher creates a dispatcher using sender
func NewDispatcher(ctx context.Context, sender *Sender, metrics *Metrics) *Dispatcher {
	return &Dispatcher{ctx: ctx, sender: sender, metrics: metrics}
}

// Dispatch validates and sends cmd. source names the surface that triggered it.
func (d *Dispatcher) Dispatch(cmd Command, source string) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	slog.Info("Dispatching command", "action", cmd.Action, "button", cmd.Button, "source", source)
	d.metrics.IncCommand(cmd.Action, source)

	var body any
	if b := cmd.Body(); b != nil {
		body = b
	}
	if _, err := d.sender.Send(d.ctx, http.MethodPost, cmd.Path(), body); err != nil {
		slog.Debug("Command failed", "action", cmd.Action, "button", cmd.Button, "error", err)
	}
	return nil
}

func (d *Dispatcher) Play(button int) error {
	return d.Dispatch(Command{Action: ActionPlay, Button: button}, "api")
}

func (d *Dispatcher) Stop(button int) error {
	return d.Dispatch(Command{Action: ActionStop, Button: button}, "api")
}

func (d *Dispatcher) Toggle(button int) error {
	return d.Dispatch(Command{Action: ActionToggle, Button: button}, "api")
}

func (d *Dispatcher) Fade(button int, seconds float64) error {
	return d.Dispatch(Command{Action: ActionFade, Button: button, FadeSeconds: seconds}, "api")
}
