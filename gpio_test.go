package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gpiod "github.com/warthog618/go-gpiocdev"
)

func boolPtr(b bool) *bool { return &b }

func testPanelConfig() GPIOConfig {
	return GPIOConfig{
		Chip: "gpiochip0",
		Inputs: []InputConfig{
			{Name: "play1", Pin: 5, Button: 1, Action: "play"},
			{Name: "fade2", Pin: 6, Button: 2, Action: "fade", Duration: 1.5},
			{Name: "off", Pin: 7, Button: 3, Action: "stop", Enabled: boolPtr(false)},
			{Name: "broken", Pin: 8, Button: 0, Action: "play"},
		},
		Tallies: []TallyConfig{
			{Name: "tally1", Pin: 20, Button: 1},
			{Name: "tally2", Pin: 21, Button: 2, Inverted: true},
		},
	}
}

func TestPanel_SetupRequestsEnabledPins(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	gpio := newFakeGPIO()
	panel := NewPanel(testPanelConfig(), gpio, d)

	require.NoError(t, panel.Setup())

	assert.Equal(t, "gpiochip0", gpio.opened)
	assert.Len(t, gpio.handlers, 2)
	assert.Contains(t, gpio.handlers, "play1")
	assert.Contains(t, gpio.handlers, "fade2")
	assert.Equal(t, 0, gpio.output("tally1"))
	assert.Equal(t, 1, gpio.output("tally2"), "inverted tally starts high")

	require.NoError(t, panel.Close())
	assert.Equal(t, 1, gpio.closed)
}

func TestPanel_OpenError(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	gpio := newFakeGPIO()
	gpio.openErr = errors.New("no such chip")
	panel := NewPanel(testPanelConfig(), gpio, d)

	assert.Error(t, panel.Setup())
	assert.Empty(t, gpio.handlers)
}

func TestPanel_EmptyPanelNeverOpensChip(t *testing.T) {
	gpio := newFakeGPIO()
	panel := NewPanel(GPIOConfig{Chip: "gpiochip0"}, gpio, nil)

	assert.True(t, panel.Empty())
	require.NoError(t, panel.Setup())
	require.NoError(t, panel.Close())
	assert.Empty(t, gpio.opened)
	assert.Zero(t, gpio.closed)
}

func TestPanel_TalliesFollowPlayingState(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	gpio := newFakeGPIO()
	panel := NewPanel(testPanelConfig(), gpio, d)
	require.NoError(t, panel.Setup())

	require.NoError(t, panel.CheckFeedbacks(ButtonTable{1: {State: "playing"}, 2: {State: "playing"}}))
	assert.Equal(t, 1, gpio.output("tally1"))
	assert.Equal(t, 0, gpio.output("tally2"))
	assert.Equal(t, 2, gpio.writes)

	require.NoError(t, panel.CheckFeedbacks(ButtonTable{1: {State: "playing"}}))
	assert.Equal(t, 1, gpio.output("tally1"))
	assert.Equal(t, 1, gpio.output("tally2"))
	assert.Equal(t, 3, gpio.writes, "unchanged tally rewritten")
}

func TestPanel_PressDispatches(t *testing.T) {
	d, dev, _, _ := newTestDispatcher(t)
	gpio := newFakeGPIO()
	panel := NewPanel(testPanelConfig(), gpio, d)
	require.NoError(t, panel.Setup())

	gpio.press(t, "fade2")

	require.Eventually(t, func() bool { return dev.countPath("/api/button/2/fade") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"duration":1.5}`, dev.recorded()[0].Body)
}

func TestPanel_DebounceIgnoresBounce(t *testing.T) {
	d, dev, _, _ := newTestDispatcher(t)
	panel := NewPanel(testPanelConfig(), newFakeGPIO(), d)
	cmd, err := panel.cfg.Inputs[0].Command()
	require.NoError(t, err)
	handler := panel.createEventHandler(panel.cfg.Inputs[0], cmd)

	handler(gpiod.LineEvent{Type: gpiod.LineEventRisingEdge})
	handler(gpiod.LineEvent{Type: gpiod.LineEventFallingEdge})
	handler(gpiod.LineEvent{Type: gpiod.LineEventRisingEdge})

	require.Eventually(t, func() bool { return dev.countPath("/api/button/1/play") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return dev.countPath("/api/button/1/play") > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestEdgeHelpers(t *testing.T) {
	assert.True(t, isPressedFromEdge(gpiod.LineEventRisingEdge, false))
	assert.False(t, isPressedFromEdge(gpiod.LineEventFallingEdge, false))
	assert.True(t, isPressedFromEdge(gpiod.LineEventFallingEdge, true))

	assert.Equal(t, 1, tallyValue(true, false))
	assert.Equal(t, 0, tallyValue(true, true))
	assert.Equal(t, 1, tallyValue(false, true))

	now := time.Now()
	assert.True(t, isStableStateChange(now, now.Add(-150*time.Millisecond), debounceStabilityTime))
	assert.False(t, isStableStateChange(now, now.Add(-50*time.Millisecond), debounceStabilityTime))
}
