package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MettaSurendhar/Met-Image-Classy/internal/model"
)

var (
	// ErrNoImage is returned when classification is requested without a
	// valid image selected.
	ErrNoImage = errors.New("no valid image selected")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSuperseded completes a task whose outcome was discarded because a
	// newer input or action replaced it.
	ErrSuperseded = errors.New("superseded by a newer action")
)

// State is the phase a session is in.
type State int

const (
	Idle State = iota
	Validating
	Ready
	Invalid
	Classifying
	Classified
	Failed
)

var stateNames = [...]string{
	Idle:        "idle",
	Validating:  "validating",
	Ready:       "ready",
	Invalid:     "invalid",
	Classifying: "classifying",
	Classified:  "classified",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Channel names the input control an image reference came from.
type Channel string

const (
	ChannelNone Channel = ""
	ChannelFile Channel = "file"
	ChannelURL  Channel = "url"
)

// Controls mirrors the values of the two input controls.
type Controls struct {
	File string `json:"file"`
	URL  string `json:"url"`
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID         string       `json:"id"`
	State      State        `json:"state"`
	Reference  string       `json:"reference,omitempty"`
	Valid      bool         `json:"valid"`
	Results    model.Result `json:"results,omitempty"`
	Controls   Controls     `json:"controls"`
	Channel    Channel      `json:"channel,omitempty"`
	Error      string       `json:"error,omitempty"`
	Generation uint64       `json:"generation"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Previewable reports whether the reference can be shown and classified.
func (s Snapshot) Previewable() bool {
	return s.Valid && s.Reference != ""
}
