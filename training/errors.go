package training

import "fmt"

// NumericError reports a non-finite loss or gradient. It is fatal: training
// aborts and the most recent successfully written checkpoint is the
// recovery point.
type NumericError struct {
	Phase string // "generator" or "discriminator"
	What  string // "loss" or "gradient"
	Epoch int
	Step  int
}

func (e *NumericError) Error() string {
	return fmt.Sprintf("non-finite %s in %s phase at epoch %d step %d",
		e.What, e.Phase, e.Epoch, e.Step)
}
