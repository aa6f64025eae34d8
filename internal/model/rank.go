package model

import (
	"math"
	"sort"
)

// Rank pairs scores with class names and returns the k most confident,
// highest first. Scores beyond the class list are ignored. When softmax is
// set the scores are treated as logits.
func Rank(scores []float32, classes []string, k int, softmax bool) Result {
	n := len(scores)
	if len(classes) < n {
		n = len(classes)
	}
	if n == 0 {
		return Result{}
	}

	probs := make([]float32, n)
	copy(probs, scores[:n])
	if softmax {
		applySoftmax(probs)
	}

	ranked := make(Result, n)
	for i, p := range probs {
		ranked[i] = Prediction{Label: classes[i], Confidence: clamp01(p)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	if k > 0 && k < len(ranked) {
		ranked = ranked[:k]
	}
	return ranked
}

func applySoftmax(v []float32) {
	maxVal := v[0]
	for _, x := range v[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	var sum float64
	exps := make([]float64, len(v))
	for i, x := range v {
		exps[i] = math.Exp(float64(x - maxVal))
		sum += exps[i]
	}
	for i := range v {
		v[i] = float32(exps[i] / sum)
	}
}

func clamp01(x float32) float32 {
	switch {
	case x != x: // NaN
		return 0
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
