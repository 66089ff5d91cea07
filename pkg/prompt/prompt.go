// Package prompt answers hardware-initiated operator confirmations: a
// Confirmer asks the question, and a small TCP server lets the instrument
// ask it.
package prompt

import (
	"fmt"
	"strings"

	"github.com/chzyer/readline"
)

// Confirmer asks the operator a yes/no question and reports the answer.
type Confirmer interface {
	Confirm(text string) (bool, error)
}

// AutoConfirmer answers every prompt with a fixed value. Used headless and
// in tests.
type AutoConfirmer struct {
	Answer bool
}

func (a *AutoConfirmer) Confirm(string) (bool, error) {
	return a.Answer, nil
}

// ReadlineConfirmer asks on the controlling terminal and accepts y/yes/n/no
// in any case, reprompting on anything else.
type ReadlineConfirmer struct{}

func (*ReadlineConfirmer) Confirm(text string) (bool, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt: fmt.Sprintf("%s [y/n]: ", text),
	})
	if err != nil {
		return false, fmt.Errorf("open terminal: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return false, fmt.Errorf("read answer: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}
