package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/fatih/color"
)

// #############################################################################

func NewCoordinator(cfg *Config, samples []Vector2, logger *log.Logger, observers ...RoundObserver) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples")
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	parties := make([]*Party, len(samples))
	for i, s := range samples {
		parties[i] = NewParty(i, s, SubLogger(logger, fmt.Sprintf("[Party %d] ", i)))
	}

	c := &Coordinator{
		cfg:        cfg,
		model:      InitialModel(cfg.Components, cfg.MeanMin, cfg.MeanMax, rng),
		parties:    parties,
		aggregator: NewAggregator(len(parties), SubLogger(logger, "[Aggregator] ")),
		authority:  NewKeyAuthority(SubLogger(logger, "[KeyAuthority] ")),
		pool:       PoolOptions{Workers: cfg.Workers, Progress: cfg.Progress},
		observers:  observers,
		rng:        rng,
		log:        SubLogger(logger, "[Coordinator] "),
	}
	c.log.Printf("initialized %d parties, %d components, seed %d\n", len(parties), cfg.Components, cfg.Seed)
	return c, nil
}

func (c *Coordinator) Model() MixtureModel {
	return c.model
}

func (c *Coordinator) Round() int {
	return c.round
}

func (c *Coordinator) Parties() []*Party {
	return c.parties
}

func (c *Coordinator) Converged() bool {
	return c.converged
}

// LogLikelihood returns the total log-likelihood of the model that entered
// the last completed E-phase.
func (c *Coordinator) LogLikelihood() (float64, bool) {
	return c.logLik, c.hasLogLik
}

func (c *Coordinator) Times() []time.Duration {
	return c.times
}

// #############################################################################

// Run executes rounds until the configured count or convergence. Degenerate
// and singular rounds are recovered from up to MaxRecoveries times; a
// recovered round is retried under its own number with a fresh key.
func (c *Coordinator) Run(ctx context.Context) (MixtureModel, error) {
	for c.round < c.cfg.Rounds && !c.converged {
		err := c.Step(ctx)
		if err == nil {
			continue
		}
		if !c.recover(err) {
			return c.model, fmt.Errorf("round %d: %w", c.round, err)
		}
		c.round--
		c.ctx = nil
	}
	c.log.Printf("finished after %d rounds (converged=%v)\n", c.round, c.converged)
	return c.model, nil
}

// Step runs one round: E-phase, optional log-likelihood aggregation and the
// per-component M-phase. The model is replaced only if every component
// updated.
func (c *Coordinator) Step(ctx context.Context) error {
	c.round++
	var watch Stopwatch

	watch.Reset()
	if err := c.EPhase(ctx); err != nil {
		return err
	}
	c.lap("e-phase", watch.Elapsed())

	if err := c.ensureContext(); err != nil {
		return err
	}

	if c.cfg.LogLikelihood {
		watch.Reset()
		ll, err := c.aggregateLogLikelihood(ctx)
		if err != nil {
			return err
		}
		c.updateLogLikelihood(ll)
		c.lap("log-likelihood", watch.Elapsed())
	}

	watch.Reset()
	next, err := c.MPhase(ctx)
	if err != nil {
		return err
	}
	c.lap("m-phase", watch.Elapsed())

	c.model = next
	c.publish()
	return nil
}

// EPhase broadcasts the current snapshot to every party.
func (c *Coordinator) EPhase(ctx context.Context) error {
	pool := NewWorkerPool(uint64(len(c.parties)), c.pool, fmt.Sprintf("[%d] E-step", c.round))
	for i, p := range c.parties {
		pool.InChan <- WorkerInput{uint64(i), PartyInput{p}}
	}
	_, err := pool.Run(ctx, EStepWorker, EStepCtx{c.model})
	return err
}

// MPhase aggregates each component in turn and returns the next snapshot.
// The coordinator's model is not touched.
func (c *Coordinator) MPhase(ctx context.Context) (MixtureModel, error) {
	if err := c.ensureContext(); err != nil {
		return MixtureModel{}, err
	}

	next := make([]MixtureComponent, c.model.K())
	for j := range next {
		if err := ctx.Err(); err != nil {
			return MixtureModel{}, err
		}
		comp, err := c.updateComponent(ctx, j)
		if err != nil {
			return MixtureModel{}, err
		}
		next[j] = comp
	}
	return NewMixtureModel(next), nil
}

// #############################################################################

func (c *Coordinator) ensureContext() error {
	if c.ctx != nil && (!c.cfg.RekeyEachRound || c.ctxRound == c.round) {
		return nil
	}
	pub, err := c.authority.CreateContext(c.cfg.Scheme)
	if err != nil {
		return err
	}
	c.ctx = pub
	c.ctxRound = c.round
	c.aggregator.SetContext(pub)
	c.decryptor = c.authority.AuthorizeDecryptor()
	return nil
}

func (c *Coordinator) updateComponent(ctx context.Context, j int) (MixtureComponent, error) {
	if err := c.aggregator.Begin(c.round, j); err != nil {
		return MixtureComponent{}, err
	}
	defer c.aggregator.Clear()

	pool := NewWorkerPool(uint64(len(c.parties)), c.pool, fmt.Sprintf("[%d] Component %d", c.round, j))
	for i, p := range c.parties {
		pool.InChan <- WorkerInput{uint64(i), PartyInput{p}}
	}
	res, err := pool.Run(ctx, ContributeWorker, ContributeCtx{
		model:      c.model,
		component:  j,
		ctx:        c.ctx,
		aggregator: c.aggregator,
		keepPlain:  c.cfg.PrecisionCheck,
	})
	if err != nil {
		return MixtureComponent{}, err
	}

	enc, err := c.aggregator.Reduce()
	if err != nil {
		return MixtureComponent{}, err
	}
	c.aggregator.Clear()

	values, err := c.decryptor.Decrypt(enc)
	if err != nil {
		return MixtureComponent{}, err
	}
	sum, err := ContributionFromSlice(values)
	if err != nil {
		return MixtureComponent{}, err
	}

	if c.cfg.PrecisionCheck {
		var exact ContributionVector
		for _, r := range res {
			out, ok := r.data.(ContributeOutput)
			Assert(ok)
			exact.Add(out.plain)
		}
		c.checkPrecision(j, sum, exact)
	}

	comp, err := UpdateComponent(j, sum, len(c.parties))
	if err != nil {
		c.log.Printf("round %d: %v\n", c.round, err)
		return MixtureComponent{}, err
	}
	return comp, nil
}

func (c *Coordinator) aggregateLogLikelihood(ctx context.Context) (float64, error) {
	slot := c.model.K()
	if err := c.aggregator.Begin(c.round, slot); err != nil {
		return 0, err
	}
	defer c.aggregator.Clear()

	pool := NewWorkerPool(uint64(len(c.parties)), c.pool, fmt.Sprintf("[%d] Log-likelihood", c.round))
	for i, p := range c.parties {
		pool.InChan <- WorkerInput{uint64(i), PartyInput{p}}
	}
	if _, err := pool.Run(ctx, LogLikWorker, LogLikCtx{c.ctx, c.aggregator}); err != nil {
		return 0, err
	}

	enc, err := c.aggregator.Reduce()
	if err != nil {
		return 0, err
	}
	c.aggregator.Clear()

	values, err := c.decryptor.Decrypt(enc)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (c *Coordinator) updateLogLikelihood(ll float64) {
	n := float64(len(c.parties))
	if c.hasLogLik && math.Abs(ll-c.logLik)/n < c.cfg.Tolerance {
		c.converged = true
	}
	c.logLik, c.hasLogLik = ll, true
	c.log.Printf("round %d: log-likelihood %.6f (%.6f per party)\n", c.round, ll, ll/n)
}

// checkPrecision compares a decrypted sum against the exact sum of the
// plaintext contributions. Drift is reported, never returned.
func (c *Coordinator) checkPrecision(j int, got, want ContributionVector) float64 {
	drift := RelativeDrift(got[:], want[:])
	if drift > c.cfg.PrecisionTolerance {
		c.log.Printf("round %d component %d: decrypted sum drifts %.3e from exact sum\n", c.round, j, drift)
		color.Set(color.FgYellow)
		fmt.Printf("{WARN}\t\tround %d component %d: precision drift %.3e > %.1e\n", c.round, j, drift, c.cfg.PrecisionTolerance)
		color.Unset()
	}
	if drift > c.maxDrift {
		c.maxDrift = drift
	}
	return drift
}

func (c *Coordinator) MaxDrift() float64 {
	return c.maxDrift
}

// recover applies the recovery for err and reports whether the run can go on.
func (c *Coordinator) recover(err error) bool {
	if c.recoveries >= c.cfg.MaxRecoveries {
		return false
	}

	var degenerate *DegenerateModelError
	var singular *SingularUpdateError
	components := c.model.Components()
	switch {
	case errors.As(err, &degenerate):
		for j := range components {
			components[j] = components[j].Widen(1)
		}
		c.log.Printf("round %d: %v; widening covariances\n", c.round, err)
	case errors.As(err, &singular):
		j := singular.Component
		components[j].Mean = RandomMean(c.cfg.MeanMin, c.cfg.MeanMax, c.rng)
		components[j].Covariance = Identity2()
		c.log.Printf("round %d: structural anomaly, component %d collapsed; reinitialized at %v\n", c.round, j, components[j].Mean)
	default:
		return false
	}

	c.recoveries++
	c.model = NewMixtureModel(components)
	// The next log-likelihood belongs to a perturbed model.
	c.hasLogLik, c.converged = false, false
	return true
}

func (c *Coordinator) publish() {
	for _, o := range c.observers {
		if err := o.ObserveRound(c.round, c.model, c.logLik); err != nil {
			c.log.Printf("round %d: observer: %v\n", c.round, err)
		}
	}
}

func (c *Coordinator) lap(phase string, d time.Duration) {
	c.times = append(c.times, d)
	c.log.Printf("round %d: %s in %s\n", c.round, phase, d)
}

// #############################################################################

// UpdateComponent applies the closed-form EM update to one component from
// its aggregated sufficient statistics.
func UpdateComponent(j int, sum ContributionVector, nParties int) (MixtureComponent, error) {
	a := sum.A()
	if !(a >= MinComponentWeight) {
		return MixtureComponent{}, &SingularUpdateError{Component: j, Weight: a}
	}

	cov := sum.C().Scale(1 / a)
	// c01 and c10 are equal in exact arithmetic.
	off := (cov[0][1] + cov[1][0]) / 2
	cov[0][1], cov[1][0] = off, off

	return MixtureComponent{
		Mean:       sum.B().Scale(1 / a),
		Covariance: cov,
		Weight:     a / float64(nParties),
	}, nil
}

// RelativeDrift is the largest entry-wise |got-want| / max(1, |want|).
func RelativeDrift(got, want []float64) float64 {
	drift := 0.0
	for i := range want {
		d := math.Abs(got[i]-want[i]) / math.Max(1, math.Abs(want[i]))
		if d > drift {
			drift = d
		}
	}
	return drift
}

// #############################################################################
