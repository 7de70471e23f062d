package optimizer

import (
	"fmt"
	"math"
	"sync"
)

// LRPolicy defines a learning rate scheduling strategy.
// GetLR must be a pure function of its arguments.
type LRPolicy interface {
	// GetLR returns the learning rate for the current epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the policy name for logging
	GetName() string
}

// StepLR reduces learning rate by a factor every stepSize epochs
type StepLR struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLR creates a step learning rate policy
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &StepLR{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLR) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLR) GetName() string {
	return "StepLR"
}

// ExponentialLR decays learning rate exponentially
type ExponentialLR struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLR creates an exponential learning rate policy
func NewExponentialLR(gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLR{
		Gamma: gamma,
	}
}

func (s *ExponentialLR) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLR) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLR implements cosine annealing schedule
type CosineAnnealingLR struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLR creates a cosine annealing policy
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLR) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}

	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateau reduces LR when a monitored metric has stopped improving.
// It is driven by Step(metric) rather than by the epoch counter.
type ReduceLROnPlateau struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateau creates a plateau-based policy
func NewReduceLROnPlateau(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateau{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step records a metric value and returns the learning rate to use next
func (s *ReduceLROnPlateau) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	var improved bool
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateau) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateau) GetName() string {
	return "ReduceLROnPlateau"
}

// PlateauState is the metric history of a ReduceLROnPlateau policy
type PlateauState struct {
	BestMetric  float64 `json:"best_metric"`
	BadEpochs   int     `json:"bad_epochs"`
	CurrentLR   float64 `json:"current_lr"`
	Initialized bool    `json:"initialized"`
}

// ConstantLR keeps the base learning rate
type ConstantLR struct{}

func (s *ConstantLR) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLR) GetName() string {
	return "ConstantLR"
}

// LRScheduler binds a policy to the optimizer whose learning rate it drives.
// It is the scheduler object a training module hands back from its optimizer
// configuration; whoever owns the loop decides when Step is called.
type LRScheduler struct {
	optimizer Optimizer
	policy    LRPolicy
	baseLR    float64
	lastEpoch int
	mutex     sync.Mutex
}

// NewLRScheduler creates a scheduler whose base rate is the optimizer's current rate
func NewLRScheduler(opt Optimizer, policy LRPolicy) *LRScheduler {
	if policy == nil {
		policy = &ConstantLR{}
	}
	return &LRScheduler{
		optimizer: opt,
		policy:    policy,
		baseLR:    opt.GetLR(),
	}
}

// Step advances the schedule by one unit and updates the optimizer
func (s *LRScheduler) Step() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastEpoch++
	s.optimizer.SetLR(s.policy.GetLR(s.lastEpoch, s.lastEpoch, s.baseLR))
}

// StepWithMetric feeds a monitored metric to a plateau policy
func (s *LRScheduler) StepWithMetric(metric float64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	plateau, ok := s.policy.(*ReduceLROnPlateau)
	if !ok {
		return fmt.Errorf("%s does not accept metrics", s.policy.GetName())
	}
	s.lastEpoch++
	s.optimizer.SetLR(plateau.Step(metric, s.optimizer.GetLR()))
	return nil
}

// IsPlateau reports whether the policy is metric driven
func (s *LRScheduler) IsPlateau() bool {
	_, ok := s.policy.(*ReduceLROnPlateau)
	return ok
}

// LastEpoch returns how many times the schedule has been stepped
func (s *LRScheduler) LastEpoch() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastEpoch
}

func (s *LRScheduler) Optimizer() Optimizer {
	return s.optimizer
}

func (s *LRScheduler) Policy() LRPolicy {
	return s.policy
}

// GetLastLR returns the learning rate most recently applied to the optimizer
func (s *LRScheduler) GetLastLR() float64 {
	return s.optimizer.GetLR()
}

// SchedulerState is the position of an LRScheduler in its schedule
type SchedulerState struct {
	Policy    string        `json:"policy"`
	BaseLR    float64       `json:"base_lr"`
	LastEpoch int           `json:"last_epoch"`
	Plateau   *PlateauState `json:"plateau,omitempty"`
}

// State returns the scheduler's position so it can be resumed later
func (s *LRScheduler) State() SchedulerState {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	state := SchedulerState{
		Policy:    s.policy.GetName(),
		BaseLR:    s.baseLR,
		LastEpoch: s.lastEpoch,
	}
	if plateau, ok := s.policy.(*ReduceLROnPlateau); ok {
		state.Plateau = &PlateauState{
			BestMetric:  plateau.bestMetric,
			BadEpochs:   plateau.badEpochs,
			CurrentLR:   plateau.currentLR,
			Initialized: plateau.initialized,
		}
	}
	return state
}

// LoadState moves the scheduler to a position returned by State. The
// optimizer's learning rate is left as is.
func (s *LRScheduler) LoadState(state SchedulerState) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if state.Policy != s.policy.GetName() {
		return fmt.Errorf("scheduler policy mismatch: state %s vs %s", state.Policy, s.policy.GetName())
	}
	s.baseLR = state.BaseLR
	s.lastEpoch = state.LastEpoch
	if plateau, ok := s.policy.(*ReduceLROnPlateau); ok && state.Plateau != nil {
		plateau.bestMetric = state.Plateau.BestMetric
		plateau.badEpochs = state.Plateau.BadEpochs
		plateau.currentLR = state.Plateau.CurrentLR
		plateau.initialized = state.Plateau.Initialized
	}
	return nil
}
