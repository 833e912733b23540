package main

import (
	"fmt"
	"log"
	"math"
)

// #############################################################################

func NewParty(id int, sample Vector2, logger *log.Logger) *Party {
	return &Party{
		id:    id,
		state: PartyState{Sample: sample},
		log:   logger,
	}
}

func (p *Party) ID() int {
	return p.id
}

func (p *Party) Ref() PartyRef {
	return PartyRef{Role: RoleParty, ID: p.id}
}

// State returns a copy of the party's local state.
func (p *Party) State() PartyState {
	s := p.state
	s.Responsibilities = append([]float64(nil), p.state.Responsibilities...)
	return s
}

// EStep recomputes the responsibilities of every component for the party's
// sample, and the party's log-likelihood term under model.
func (p *Party) EStep(model MixtureModel) error {
	if !p.state.Sample.Finite() {
		return &PartyError{p.id, fmt.Errorf("sample %v: %w", p.state.Sample, ErrMalformedSample)}
	}

	k := model.K()
	r := make([]float64, k)
	sum := 0.0
	for j := 0; j < k; j++ {
		r[j] = model.Density(j, p.state.Sample)
		sum += r[j]
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		p.log.Printf("degenerate model: normaliser %v\n", sum)
		return &DegenerateModelError{PartyID: p.id, Sum: sum}
	}
	for j := range r {
		r[j] /= sum
	}

	p.state.Responsibilities = r
	p.state.LogLikelihood = math.Log(sum)
	return nil
}

// LocalMContribution returns [a, b0, b1, c00, c01, c10, c11] for component j.
func (p *Party) LocalMContribution(j int, model MixtureModel) (ContributionVector, error) {
	var v ContributionVector
	if j < 0 || j >= model.K() {
		return v, &PartyError{p.id, fmt.Errorf("component %d out of range [0,%d)", j, model.K())}
	}
	if len(p.state.Responsibilities) != model.K() {
		return v, &PartyError{p.id, fmt.Errorf("have %d responsibilities for %d components, run the E-step first", len(p.state.Responsibilities), model.K())}
	}

	a := p.state.Responsibilities[j]
	x := p.state.Sample
	b := x.Scale(a)
	d := x.Sub(model.Component(j).Mean)
	c := Outer(d, d).Scale(a)

	v = ContributionVector{a, b[0], b[1], c[0][0], c[0][1], c[1][0], c[1][1]}
	return v, nil
}

func (p *Party) Encrypt(v ContributionVector, ctx *PublicContext) (Ciphertext, error) {
	ct, err := ctx.Encrypt(v[:])
	if err != nil {
		return nil, &PartyError{p.id, err}
	}
	return ct, nil
}

// EncryptLogLikelihood encrypts the party's log-likelihood term from the
// last E-step as a one-slot vector.
func (p *Party) EncryptLogLikelihood(ctx *PublicContext) (Ciphertext, error) {
	ct, err := ctx.Encrypt([]float64{p.state.LogLikelihood})
	if err != nil {
		return nil, &PartyError{p.id, err}
	}
	return ct, nil
}

// #############################################################################

func (v ContributionVector) A() float64 {
	return v[0]
}

func (v ContributionVector) B() Vector2 {
	return Vector2{v[1], v[2]}
}

func (v ContributionVector) C() Matrix2 {
	return Matrix2{{v[3], v[4]}, {v[5], v[6]}}
}

func (v *ContributionVector) Add(w ContributionVector) {
	for i := range v {
		v[i] += w[i]
	}
}

func ContributionFromSlice(s []float64) (ContributionVector, error) {
	var v ContributionVector
	if len(s) != ContributionSize {
		return v, fmt.Errorf("contribution has %d entries, expected %d", len(s), ContributionSize)
	}
	copy(v[:], s)
	return v, nil
}

// #############################################################################
