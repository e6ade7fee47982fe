package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// Activation pairs an elementwise nonlinearity with its first derivative.
// Every learned sub-network uses one and backpropagates through Deriv.
type Activation struct {
	Name  string
	Func  ActivationFunc
	Deriv ActivationFunc
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]Activation
}{
	m: make(map[string]Activation),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	for _, act := range builtInActivations() {
		MustRegisterActivation(act)
	}
}

// RegisterActivation adds act under its lower-cased name. Configuration
// documents select activations by that name.
func RegisterActivation(act Activation) error {
	name := strings.ToLower(strings.TrimSpace(act.Name))
	if name == "" {
		return errors.New("activation name is required")
	}
	if act.Func == nil {
		return errors.New("activation function is required")
	}
	if act.Deriv == nil {
		return errors.New("activation derivative is required")
	}
	act.Name = name

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()
	if _, exists := activationRegistry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, name)
	}
	activationRegistry.m[name] = act
	return nil
}

func MustRegisterActivation(act Activation) {
	if err := RegisterActivation(act); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (Activation, error) {
	activationRegistry.mu.RLock()
	act, ok := activationRegistry.m[strings.ToLower(name)]
	activationRegistry.mu.RUnlock()
	if !ok {
		return Activation{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return act, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]Activation)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// softplus is log(1+e^x), evaluated without overflow for large x.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}
