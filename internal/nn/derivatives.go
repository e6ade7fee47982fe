package nn

import (
	"math"
)

// Derivative evaluates the registered derivative of the named activation.
func Derivative(name string, x float64) (float64, error) {
	act, err := GetActivation(name)
	if err != nil {
		return 0, err
	}
	return act.Deriv(x), nil
}

func builtInActivations() []Activation {
	return []Activation{
		{
			Name:  "identity",
			Func:  func(x float64) float64 { return x },
			Deriv: func(float64) float64 { return 1 },
		},
		{
			Name: "relu",
			Func: func(x float64) float64 { return math.Max(x, 0) },
			Deriv: func(x float64) float64 {
				if x > 0 {
					return 1
				}
				return 0
			},
		},
		{
			Name: "tanh",
			Func: math.Tanh,
			Deriv: func(x float64) float64 {
				y := math.Tanh(x)
				return 1 - y*y
			},
		},
		{
			Name: "sigmoid",
			Func: sigmoid,
			Deriv: func(x float64) float64 {
				s := sigmoid(x)
				return s * (1 - s)
			},
		},
		{
			Name: "silu",
			Func: func(x float64) float64 { return x * sigmoid(x) },
			// d/dx x*s(x) = s(x) * (1 + x*(1-s(x)))
			Deriv: func(x float64) float64 {
				s := sigmoid(x)
				return s * (1 + x*(1-s))
			},
		},
		{Name: "softplus", Func: softplus, Deriv: sigmoid},
		// Shifted softplus, zero at the origin.
		{
			Name:  "ssp",
			Func:  func(x float64) float64 { return softplus(x) - math.Ln2 },
			Deriv: sigmoid,
		},
	}
}
