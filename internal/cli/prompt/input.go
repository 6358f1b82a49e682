// Package prompt wraps promptui for the client CLI's interactive
// commands (dir-link's path picker), following marmos91-dittofs's
// internal/cli/prompt shape.
package prompt

import (
	"errors"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
		return ErrAborted
	}
	return err
}

// InputRequired prompts for a required line of text, e.g. a local
// directory path to link.
func InputRequired(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Validate: func(input string) error {
			if input == "" {
				return promptui.ErrAbort
			}
			return nil
		},
	}
	result, err := p.Run()
	return result, wrapError(err)
}

// Select presents a fixed list of choices and returns the chosen value.
func Select(label string, items []string) (string, error) {
	p := promptui.Select{Label: label, Items: items}
	_, result, err := p.Run()
	return result, wrapError(err)
}
