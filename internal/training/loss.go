package training

import (
	"errors"
	"fmt"
	"math"
)

var ErrUnstableBatch = errors.New("unstable batch")

// UnstableBatchError reports a batch whose loss was non-finite or above
// max_loss. The update of that batch is skipped.
type UnstableBatchError struct {
	Epoch int
	Batch int
	Loss  float64
	Limit float64
}

func (e *UnstableBatchError) Error() string {
	return fmt.Sprintf("%v: epoch %d batch %d loss %g (limit %g)", ErrUnstableBatch, e.Epoch, e.Batch, e.Loss, e.Limit)
}

func (e *UnstableBatchError) Unwrap() error { return ErrUnstableBatch }

// Hinge is the per-component force error penalty. A negative margin gives
// the plain absolute error; otherwise errors within the margin are free.
// It returns the penalty and its derivative with respect to err.
func Hinge(err, margin float64) (float64, float64) {
	a := math.Abs(err)
	sign := 1.0
	if err < 0 {
		sign = -1
	} else if err == 0 {
		sign = 0
	}
	if margin < 0 {
		return a, sign
	}
	if a <= margin {
		return 0, 0
	}
	return a - margin, sign
}

// ForceLoss averages Hinge over every force component of one frame and
// returns the loss, the gradient with respect to the predicted forces and
// the force RMSE.
func ForceLoss(predicted, reference [][3]float64, margin float64) (float64, [][3]float64, float64) {
	n := len(predicted)
	grad := make([][3]float64, n)
	if n == 0 {
		return 0, grad, 0
	}
	inv := 1 / float64(3*n)
	loss, sq := 0.0, 0.0
	for i := range predicted {
		for c := 0; c < 3; c++ {
			e := predicted[i][c] - reference[i][c]
			l, g := Hinge(e, margin)
			loss += l
			grad[i][c] = g * inv
			sq += e * e
		}
	}
	return loss * inv, grad, math.Sqrt(sq * inv)
}

// unstable reports whether loss must not be applied.
func unstable(loss, limit float64) bool {
	return math.IsNaN(loss) || math.IsInf(loss, 0) || loss > limit
}
