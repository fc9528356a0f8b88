package main

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// debounceStabilityTime is the button debounce stability window
const debounceStabilityTime = 100 * time.Millisecond

// ============================================================================
// GPIO manager
// ============================================================================

// GPIOManager handles all GPIO operations
type GPIOManager interface {
	// OpenChip opens the GPIO chip device
	OpenChip(chipName string) error
	// Close closes the GPIO chip and all lines
	Close() error
	// SetupOutput requests a tally pin as output with the given initial value
	SetupOutput(name string, pin int, value int) error
	// SetupInput configures a GPIO pin as input with edge detection
	SetupInput(cfg InputConfig, handler func(gpiod.LineEvent)) error
	// SetOutput sets an output pin value
	SetOutput(name string, value int) error
}

// gpioManager implements GPIOManager on a gpiocdev chip
type gpioManager struct {
	chip        *gpiod.Chip
	outputLines map[string]*gpiod.Line
	inputLines  []*gpiod.Line
	mu          sync.Mutex
}

// NewGPIOManager creates a new GPIO manager
func NewGPIOManager() GPIOManager {
	return &gpioManager{
		outputLines: make(map[string]*gpiod.Line),
	}
}

func (g *gpioManager) OpenChip(chipName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	g.chip, err = gpiod.NewChip(chipName)
	if err != nil {
		return fmt.Errorf("open chip %s: %w", chipName, err)
	}
	return nil
}

func (g *gpioManager) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var errs []error

	for _, line := range g.inputLines {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close input line: %w", err))
		}
	}
	g.inputLines = nil

	for name, line := range g.outputLines {
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output line %s: %w", name, err))
		}
	}
	g.outputLines = make(map[string]*gpiod.Line)

	if g.chip != nil {
		if err := g.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
		g.chip = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

func (g *gpioManager) SetupOutput(name string, pin int, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return fmt.Errorf("chip not opened")
	}

	line, err := g.chip.RequestLine(pin, gpiod.AsOutput(value))
	if err != nil {
		return fmt.Errorf("request output pin %d: %w", pin, err)
	}
	g.outputLines[name] = line
	return nil
}

func (g *gpioManager) SetupInput(cfg InputConfig, handler func(gpiod.LineEvent)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.chip == nil {
		return fmt.Errorf("chip not opened")
	}

	opts := []gpiod.LineReqOption{
		gpiod.AsInput,
		gpiod.WithBothEdges,
		gpiod.WithEventHandler(handler),
	}
	if cfg.PullUp {
		opts = append(opts, gpiod.WithPullUp)
	}

	line, err := g.chip.RequestLine(cfg.Pin, opts...)
	if err != nil {
		return fmt.Errorf("request input pin %d: %w", cfg.Pin, err)
	}
	g.inputLines = append(g.inputLines, line)
	return nil
}

func (g *gpioManager) SetOutput(name string, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	line, ok := g.outputLines[name]
	if !ok {
		return fmt.Errorf("output %s not found", name)
	}
	if err := line.SetValue(value); err != nil {
		return fmt.Errorf("set output %s: %w", name, err)
	}
	return nil
}

// ============================================================================
// Hardware panel
// ============================================================================

// Panel drives physical cart buttons and tally lights
type Panel struct {
	cfg        GPIOConfig
	gpio       GPIOManager
	dispatcher *Dispatcher

	mu      sync.Mutex
	tallies []*tally
}

type tally struct {
	cfg     TallyConfig
	lit     bool
	applied bool
}

// NewPanel creates a panel for the configured inputs and tallies
func NewPanel(cfg GPIOConfig, gpio GPIOManager, dispatcher *Dispatcher) *Panel {
	return &Panel{cfg: cfg, gpio: gpio, dispatcher: dispatcher}
}

// Empty reports whether no pins are configured
func (p *Panel) Empty() bool {
	return len(p.cfg.Inputs) == 0 && len(p.cfg.Tallies) == 0
}

// Setup opens the chip and requests every enabled pin. Pins that fail are
// logged and skipped.
func (p *Panel) Setup() error {
	if p.Empty() {
		return nil
	}
	if err := p.gpio.OpenChip(p.cfg.Chip); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tallies = nil

	for _, t := range p.cfg.Tallies {
		if !isEnabled(t.Enabled) {
			continue
		}
		if err := p.gpio.SetupOutput(t.Name, t.Pin, tallyValue(false, t.Inverted)); err != nil {
			slog.Error("Failed to set up tally", "tally", t.Name, "pin", t.Pin, "error", err)
			continue
		}
		p.tallies = append(p.tallies, &tally{cfg: t, applied: true})
	}

	for _, in := range p.cfg.Inputs {
		if !isEnabled(in.Enabled) {
			continue
		}
		cmd, err := in.Command()
		if err != nil {
			slog.Error("Skipping GPIO input", "input", in.Name, "error", err)
			continue
		}
		if err := p.gpio.SetupInput(in, p.createEventHandler(in, cmd)); err != nil {
			slog.Error("Failed to set up GPIO input", "input", in.Name, "pin", in.Pin, "error", err)
		}
	}
	return nil
}

// Close releases all lines
func (p *Panel) Close() error {
	if p.Empty() {
		return nil
	}
	return p.gpio.Close()
}

func (p *Panel) Name() string { return "gpio" }

func (p *Panel) SetVariables(Variables) error { return nil }

// CheckFeedbacks lights each tally whose button is playing
func (p *Panel) CheckFeedbacks(table ButtonTable) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, t := range p.tallies {
		lit := table.IsPlaying(t.cfg.Button)
		if t.applied && t.lit == lit {
			continue
		}
		if err := p.gpio.SetOutput(t.cfg.Name, tallyValue(lit, t.cfg.Inverted)); err != nil {
			errs = append(errs, err)
			t.applied = false
			continue
		}
		t.lit = lit
		t.applied = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("tally errors: %v", errs)
	}
	return nil
}

func (p *Panel) createEventHandler(cfg InputConfig, cmd Command) func(gpiod.LineEvent) {
	var (
		mu              sync.Mutex
		lastStableState bool
		lastStableTime  time.Time
	)
	return func(evt gpiod.LineEvent) {
		now := time.Now()
		isPressed := isPressedFromEdge(evt.Type, cfg.Inverted)

		mu.Lock()
		if isPressed == lastStableState || !isStableStateChange(now, lastStableTime, debounceStabilityTime) {
			mu.Unlock()
			return
		}
		lastStableState = isPressed
		lastStableTime = now
		mu.Unlock()

		if !isPressed {
			return
		}
		slog.Info("Panel button pressed", "input", cfg.Name, "action", cmd.Action, "button", cmd.Button)
		go func() {
			if err := p.dispatcher.Dispatch(cmd, "gpio"); err != nil {
				slog.Warn("Rejected panel command", "input", cfg.Name, "error", err)
			}
		}()
	}
}

// tallyValue converts a lit state to a pin value considering inversion
func tallyValue(lit, inverted bool) int {
	if lit != inverted {
		return 1
	}
	return 0
}

// isPressedFromEdge determines if button is pressed based on edge type and inversion
func isPressedFromEdge(evtType gpiod.LineEventType, inverted bool) bool {
	if inverted {
		return evtType == gpiod.LineEventFallingEdge
	}
	return evtType == gpiod.LineEventRisingEdge
}

// isStableStateChange checks if enough time has passed since last stable state change
func isStableStateChange(now, lastStableTime time.Time, debounceTime time.Duration) bool {
	return now.Sub(lastStableTime) >= debounceTime
}
