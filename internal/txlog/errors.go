package txlog

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrDuplicateReference = errors.New("transaction reference already exists")
	ErrInvalidCursor      = errors.New("invalid cursor")
)

func validateTransition(in TransitionInput) error {
	if in.Reference == "" {
		return fmt.Errorf("transition: empty reference")
	}
	if len(in.From) == 0 {
		return fmt.Errorf("transition %s: no source states", in.Reference)
	}
	for _, from := range in.From {
		if !CanTransition(from, in.To) {
			return fmt.Errorf("transition %s: illegal edge %s -> %s", in.Reference, from, in.To)
		}
	}
	return nil
}
