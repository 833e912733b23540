package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
)

// #############################################################################

const MinComponentWeight = 1e-9

// NewMixtureModel copies components into a fresh snapshot. Components whose
// covariance is not positive definite get a zero density.
func NewMixtureModel(components []MixtureComponent) MixtureModel {
	c := make([]MixtureComponent, len(components))
	copy(c, components)
	m := MixtureModel{components: c, normals: make([]*distmv.Normal, len(c))}
	for j := range c {
		m.normals[j] = c[j].Normal()
	}
	return m
}

func InitialModel(k int, meanMin, meanMax float64, rng *rand.Rand) MixtureModel {
	components := make([]MixtureComponent, k)
	for j := range components {
		components[j] = MixtureComponent{
			Mean:       RandomMean(meanMin, meanMax, rng),
			Covariance: Identity2(),
			Weight:     1 / float64(k),
		}
	}
	return NewMixtureModel(components)
}

func (m MixtureModel) K() int {
	return len(m.components)
}

func (m MixtureModel) Component(j int) MixtureComponent {
	return m.components[j]
}

func (m MixtureModel) Components() []MixtureComponent {
	c := make([]MixtureComponent, len(m.components))
	copy(c, m.components)
	return c
}

func (m MixtureModel) WeightSum() float64 {
	s := 0.0
	for _, c := range m.components {
		s += c.Weight
	}
	return s
}

// Density returns w_j * N(x; mu_j, Sigma_j).
func (m MixtureModel) Density(j int, x Vector2) float64 {
	n := m.normals[j]
	if n == nil {
		return 0
	}
	return m.components[j].Weight * math.Exp(n.LogProb(x[:]))
}

// Validate checks the weight and covariance invariants within tol.
func (m MixtureModel) Validate(tol float64) error {
	if len(m.components) == 0 {
		return fmt.Errorf("empty mixture model")
	}
	for j, c := range m.components {
		if c.Weight < -tol || c.Weight > 1+tol {
			return fmt.Errorf("component %d: weight %g outside [0,1]", j, c.Weight)
		}
		if !c.Covariance.Symmetric(tol) {
			return fmt.Errorf("component %d: covariance %v is not symmetric", j, c.Covariance)
		}
		if !c.Covariance.PSD(tol) {
			return fmt.Errorf("component %d: covariance %v is not positive semi-definite", j, c.Covariance)
		}
	}
	if s := m.WeightSum(); math.Abs(s-1) > tol {
		return fmt.Errorf("weights sum to %g", s)
	}
	return nil
}

// #############################################################################

func (c MixtureComponent) Normal() *distmv.Normal {
	n, ok := distmv.NewNormal(c.Mean[:], c.Covariance.Sym(), nil)
	if !ok {
		return nil
	}
	return n
}

// Widen returns the component with factor added to the covariance diagonal.
func (c MixtureComponent) Widen(factor float64) MixtureComponent {
	c.Covariance[0][0] += factor
	c.Covariance[1][1] += factor
	return c
}

// EllipseAxes returns the semi-axes of the nStd contour and the rotation of
// the major axis in degrees.
func (c MixtureComponent) EllipseAxes(nStd float64) (major, minor, angle float64, err error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(c.Covariance.Sym(), true); !ok {
		return 0, 0, 0, fmt.Errorf("eigen decomposition of %v failed", c.Covariance)
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	// Values are ascending.
	major = nStd * math.Sqrt(math.Max(values[1], 0))
	minor = nStd * math.Sqrt(math.Max(values[0], 0))
	angle = math.Atan2(vectors.At(1, 1), vectors.At(0, 1)) * 180 / math.Pi
	return major, minor, angle, nil
}

// #############################################################################

func Identity2() Matrix2 {
	return Matrix2{{1, 0}, {0, 1}}
}

func RandomMean(lo, hi float64, rng *rand.Rand) Vector2 {
	return Vector2{lo + rng.Float64()*(hi-lo), lo + rng.Float64()*(hi-lo)}
}

func (v Vector2) Sub(w Vector2) Vector2 {
	return Vector2{v[0] - w[0], v[1] - w[1]}
}

func (v Vector2) Scale(a float64) Vector2 {
	return Vector2{a * v[0], a * v[1]}
}

func (v Vector2) Finite() bool {
	return !math.IsNaN(v[0]) && !math.IsInf(v[0], 0) && !math.IsNaN(v[1]) && !math.IsInf(v[1], 0)
}

func Outer(u, v Vector2) Matrix2 {
	return Matrix2{{u[0] * v[0], u[0] * v[1]}, {u[1] * v[0], u[1] * v[1]}}
}

func (a Matrix2) Scale(s float64) Matrix2 {
	return Matrix2{{s * a[0][0], s * a[0][1]}, {s * a[1][0], s * a[1][1]}}
}

func (a Matrix2) Symmetric(tol float64) bool {
	return math.Abs(a[0][1]-a[1][0]) <= tol*math.Max(1, math.Abs(a[0][1]))
}

func (a Matrix2) PSD(tol float64) bool {
	det := a[0][0]*a[1][1] - a[0][1]*a[1][0]
	return a[0][0] >= -tol && a[1][1] >= -tol && det >= -tol
}

// Sym averages the off-diagonal entries so that CKKS drift between c01 and
// c10 does not break symmetry.
func (a Matrix2) Sym() *mat.SymDense {
	off := (a[0][1] + a[1][0]) / 2
	return mat.NewSymDense(2, []float64{a[0][0], off, off, a[1][1]})
}

// #############################################################################
