package perfusion

import (
	"errors"
	"math"
	"testing"
)

// convolve applies the discrete convolution model the solver inverts:
// tissue(t) = Δt * Σ aif(τ) k(t-τ).
func convolve(times, aif, k []float64) []float64 {
	n := len(times)
	dt := (times[n-1] - times[0]) / float64(n-1)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			out[i] += aif[i-j] * k[j] * dt
		}
	}
	return out
}

func bolusInput(n int) (times, aif []float64) {
	times = make([]float64, n)
	aif = make([]float64, n)
	for i := range times {
		times[i] = float64(i)
		if i >= 2 {
			tt := float64(i - 2)
			aif[i] = 100 * (tt / 3) * math.Exp(1-tt/3)
		}
	}
	return times, aif
}

// Deconvolving a synthetically convolved curve must recover the residue
// function well enough to reproduce the tissue curve and its peak. Exact
// recovery is not expected: the problem is ill-posed and the solve is
// regularized.
func TestDeconvolveRecoversResidue(t *testing.T) {
	const n = 20
	times, aif := bolusInput(n)

	// Exponential residue: peak 0.02 1/s, 4 s mean transit time.
	kTrue := make([]float64, n)
	for i := range kTrue {
		kTrue[i] = 0.02 * math.Exp(-times[i]/4)
	}
	tissue := convolve(times, aif, kTrue)

	res, err := Deconvolve(times, aif, tissue, DefaultDeconvOptions())
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}

	if res.Residual > 0.15 {
		t.Errorf("relative residual = %v, want below 0.15", res.Residual)
	}
	for i, v := range res.Residue {
		if v < 0 {
			t.Fatalf("residue[%d] = %v, must be nonnegative", i, v)
		}
	}

	peak := MaxResidue(res.Residue)
	if math.Abs(peak-0.02)/0.02 > 0.3 {
		t.Errorf("recovered peak = %v, want within 30%% of 0.02", peak)
	}

	// The recovered residue must reproduce the observed tissue curve.
	recon := convolve(times, aif, res.Residue)
	var num, den float64
	for i := range tissue {
		num += (recon[i] - tissue[i]) * (recon[i] - tissue[i])
		den += tissue[i] * tissue[i]
	}
	if math.Sqrt(num/den) > 0.15 {
		t.Errorf("forward model error = %v, want below 0.15", math.Sqrt(num/den))
	}
}

func TestDeconvolveFlatTissue(t *testing.T) {
	const n = 10
	times, aif := bolusInput(n)
	tissue := make([]float64, n)

	res, err := Deconvolve(times, aif, tissue, DefaultDeconvOptions())
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}
	if !res.Converged {
		t.Error("zero tissue curve has the exact zero solution, must converge")
	}
	if MaxResidue(res.Residue) != 0 {
		t.Errorf("residue peak = %v, want 0", MaxResidue(res.Residue))
	}
}

// Exhausting the iteration budget is a reportable outcome with a partial
// solution, not an error.
func TestDeconvolveNonConvergenceIsFlagged(t *testing.T) {
	const n = 20
	times, aif := bolusInput(n)
	kTrue := make([]float64, n)
	for i := range kTrue {
		kTrue[i] = 0.02 * math.Exp(-times[i]/4)
	}
	tissue := convolve(times, aif, kTrue)

	opts := DefaultDeconvOptions()
	opts.MaxIterations = 1
	opts.Tolerance = 1e-12 // unreachable in one step

	res, err := Deconvolve(times, aif, tissue, opts)
	if err != nil {
		t.Fatalf("Deconvolve failed: %v", err)
	}
	if res.Converged {
		t.Error("one-iteration budget reported converged at 1e-12 tolerance")
	}
	if res.Iterations > 1 {
		t.Errorf("ran %d iterations, budget was 1", res.Iterations)
	}
	if len(res.Residue) != n {
		t.Errorf("partial residue has %d samples, want %d", len(res.Residue), n)
	}
}

func TestDeconvolveInputValidation(t *testing.T) {
	times, aif := bolusInput(10)
	tissue := make([]float64, 10)
	opts := DefaultDeconvOptions()

	if _, err := Deconvolve(times[:3], aif[:3], tissue[:3], opts); !errors.Is(err, ErrInsufficientTimepoints) {
		t.Errorf("short curve error = %v, want ErrInsufficientTimepoints", err)
	}
	if _, err := Deconvolve(times, aif[:5], tissue, opts); err == nil {
		t.Error("expected error for mismatched curve lengths")
	}
	if _, err := Deconvolve(make([]float64, 10), aif, tissue, opts); err == nil {
		t.Error("expected error for a non-increasing time axis")
	}
	if _, err := Deconvolve(times, make([]float64, 10), tissue, opts); err == nil {
		t.Error("expected error for an all-zero arterial input")
	}
}

func TestMaxResidue(t *testing.T) {
	if got := MaxResidue([]float64{0.1, math.NaN(), 0.5, 0.3}); got != 0.5 {
		t.Errorf("MaxResidue = %v, want 0.5 ignoring NaN", got)
	}
	if got := MaxResidue(nil); got != 0 {
		t.Errorf("MaxResidue(nil) = %v, want 0", got)
	}
}
