package main

import "fmt"

// Global variable ids
const (
	VarClipID            = "clip_id"
	VarClipName          = "clip_name"
	VarStatus            = "status"
	VarLoop              = "loop"
	VarTimecode          = "timecode"
	VarRemainingTimecode = "remaining_timecode"
)

// Declared sizes of the generated definitions
const (
	DefaultVariableButtons = 128
	DefaultPresetButtons   = 12
)

// FeedbackButtonState is the id of the boolean playing feedback
const FeedbackButtonState = "buttonState"

// Default feedback style: green background, black text
const (
	FeedbackBgColor   = 0x00ff00
	FeedbackTextColor = 0x000000
)

// ButtonStateVariable is the variable holding a button's state
func ButtonStateVariable(n int) string { return fmt.Sprintf("button_%d_state", n) }

// ButtonLabelVariable is the variable holding a button's label
func ButtonLabelVariable(n int) string { return fmt.Sprintf("button_%d_label", n) }

// VariableDefinition names one published variable
type VariableDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var globalVariableDefinitions = []VariableDefinition{
	{VarClipID, "Currently Selected Clip Number"},
	{VarClipName, "Currently Selected Clip File Name"},
	{VarStatus, "Player Status"},
	{VarLoop, "Player Loop Setting"},
	{VarTimecode, "Current Clip Timecode"},
	{"timecode_hh", "Timecode Hours"},
	{"timecode_mm", "Timecode Minutes"},
	{"timecode_ss", "Timecode Seconds"},
	{"timecode_ff", "Timecode Frames"},
	{VarRemainingTimecode, "Remaining Time"},
	{"remaining_hh", "Remaining Hours"},
	{"remaining_mm", "Remaining Minutes"},
	{"remaining_ss", "Remaining Seconds"},
	{"remaining_ff", "Remaining Fraction"},
}

// GlobalVariableDefinitions returns the player-wide variables
func GlobalVariableDefinitions() []VariableDefinition {
	return append([]VariableDefinition{}, globalVariableDefinitions...)
}

// VariableDefinitions returns the global variables plus a state/label pair
// for buttons 1..buttons.
func VariableDefinitions(buttons int) []VariableDefinition {
	defs := GlobalVariableDefinitions()
	for i := 1; i <= buttons; i++ {
		defs = append(defs,
			VariableDefinition{ButtonStateVariable(i), fmt.Sprintf("Button %d State", i)},
			VariableDefinition{ButtonLabelVariable(i), fmt.Sprintf("Button %d Label", i)},
		)
	}
	return defs
}

// OptionDefinition describes one numeric option of an action or feedback
type OptionDefinition struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Default float64 `json:"default"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step,omitempty"`
}

var buttonNumberOption = OptionDefinition{
	ID: "buttonNumber", Label: "Button Number", Default: 1, Min: MinButton, Max: MaxButton,
}

// ActionDefinition describes one control-surface action
type ActionDefinition struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Action  Action             `json:"action"`
	Options []OptionDefinition `json:"options"`
}

// ActionDefinitions returns play, stop, toggle and fade
func ActionDefinitions() []ActionDefinition {
	return []ActionDefinition{
		{ID: "playButton", Name: "Play Button", Action: ActionPlay, Options: []OptionDefinition{buttonNumberOption}},
		{ID: "stopButton", Name: "Stop Button", Action: ActionStop, Options: []OptionDefinition{buttonNumberOption}},
		{ID: "toggleButton", Name: "Toggle Button", Action: ActionToggle, Options: []OptionDefinition{buttonNumberOption}},
		{ID: "fadeButton", Name: "Fade Button", Action: ActionFade, Options: []OptionDefinition{
			buttonNumberOption,
			{ID: "duration", Label: "Fade Duration (seconds)", Default: DefaultFadeSeconds,
				Min: MinFadeSeconds, Max: MaxFadeSeconds, Step: DefaultFadeStepSize},
		}},
	}
}

// Style is a button appearance
type Style struct {
	Text    string `json:"text,omitempty"`
	Size    string `json:"size,omitempty"`
	Color   int    `json:"color"`
	BgColor int    `json:"bgcolor"`
}

// FeedbackDefinition describes a boolean feedback
type FeedbackDefinition struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Options      []OptionDefinition `json:"options"`
	DefaultStyle Style              `json:"default_style"`
}

// FeedbackDefinitions returns the buttonState feedback
func FeedbackDefinitions() []FeedbackDefinition {
	return []FeedbackDefinition{{
		ID:           FeedbackButtonState,
		Name:         "Button Playing State",
		Description:  "Change button color when button is playing",
		Options:      []OptionDefinition{buttonNumberOption},
		DefaultStyle: Style{Color: FeedbackTextColor, BgColor: FeedbackBgColor},
	}}
}

// Preset is a ready-made panel button: one action plus its feedback
type Preset struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Name     string `json:"name"`
	Style    Style  `json:"style"`
	Action   Action `json:"action"`
	Button   int    `json:"button"`
	Feedback string `json:"feedback"`
}

// Presets returns play_1..n and toggle_1..n
func Presets(n int) []Preset {
	presets := make([]Preset, 0, 2*n)
	for i := 1; i <= n; i++ {
		presets = append(presets,
			Preset{
				ID:       fmt.Sprintf("play_%d", i),
				Category: "Play Buttons",
				Name:     fmt.Sprintf("Play Button %d", i),
				Style:    Style{Text: fmt.Sprintf("Play %d", i), Size: "18", Color: 0xffffff, BgColor: 0x000000},
				Action:   ActionPlay,
				Button:   i,
				Feedback: FeedbackButtonState,
			},
			Preset{
				ID:       fmt.Sprintf("toggle_%d", i),
				Category: "Toggle Buttons",
				Name:     fmt.Sprintf("Toggle Button %d", i),
				Style:    Style{Text: fmt.Sprintf("%d", i), Size: "18", Color: 0xffffff, BgColor: 0x000000},
				Action:   ActionToggle,
				Button:   i,
				Feedback: FeedbackButtonState,
			},
		)
	}
	return presets
}

// FeedbackButtons returns the distinct buttons bound by presets and extras, in order
func FeedbackButtons(presets []Preset, extra []int) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(n int) {
		if n < MinButton || n > MaxButton || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	for _, p := range presets {
		if p.Feedback == FeedbackButtonState {
			add(p.Button)
		}
	}
	for _, n := range extra {
		add(n)
	}
	return out
}
