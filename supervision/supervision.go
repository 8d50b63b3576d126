// Package supervision classifies stage failures into directives.
package supervision

import (
	"errors"
	"fmt"
)

// Directive tells a stage how to react to a failed broker call.
type Directive uint8

const (
	// Stop fails the stage with the error.
	Stop Directive = iota
	// Resume retries the same unit of work.
	Resume
	// Restart drops the current unit of work and continues with the next one.
	Restart
)

func (d Directive) String() string {
	switch d {
	case Stop:
		return "stop"
	case Resume:
		return "resume"
	case Restart:
		return "restart"
	default:
		return fmt.Sprintf("directive(%d)", uint8(d))
	}
}

// ParseDirective maps "stop", "resume" and "restart" to directives.
func ParseDirective(s string) (Directive, error) {
	switch s {
	case "stop", "":
		return Stop, nil
	case "resume":
		return Resume, nil
	case "restart":
		return Restart, nil
	}
	return Stop, fmt.Errorf("unknown supervision directive %q", s)
}

// Decider classifies an error. It is called from the stage's own goroutine and
// must not block.
type Decider interface {
	Decide(err error) Directive
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(err error) Directive

func (f DeciderFunc) Decide(err error) Directive { return f(err) }

// Always returns a decider that answers d for every error.
func Always(d Directive) Decider {
	return DeciderFunc(func(error) Directive { return d })
}

var (
	StoppingDecider   = Always(Stop)
	ResumingDecider   = Always(Resume)
	RestartingDecider = Always(Restart)
)

type rule struct {
	match func(error) bool
	d     Directive
}

// Classifier is a Decider built from ordered rules; the first matching rule
// wins and Default applies otherwise.
type Classifier struct {
	rules   []rule
	Default Directive
}

// NewClassifier returns a Classifier whose fallback directive is def.
func NewClassifier(def Directive) *Classifier {
	return &Classifier{Default: def}
}

// On adds a rule matched with a predicate.
func (c *Classifier) On(match func(error) bool, d Directive) *Classifier {
	c.rules = append(c.rules, rule{match: match, d: d})
	return c
}

// OnError adds a rule matched with errors.Is against target.
func (c *Classifier) OnError(target error, d Directive) *Classifier {
	return c.On(func(err error) bool { return errors.Is(err, target) }, d)
}

func (c *Classifier) Decide(err error) Directive {
	for _, r := range c.rules {
		if r.match(err) {
			return r.d
		}
	}
	return c.Default
}
