package nn

import (
	"sort"

	flatbush "github.com/bmharper/flatbush-go"
)

// FilterByConfidence returns the candidates whose confidence is at least threshold.
// Order is preserved.
func FilterByConfidence(input []RawDetection, threshold float32) []RawDetection {
	out := make([]RawDetection, 0, len(input))
	for _, d := range input {
		if d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// NonMaxSuppression performs greedy suppression, independently for each class.
// Within a class, candidates are visited in descending confidence (ties keep input order).
// Each visited candidate is accepted, and every later candidate with IoU >= iouThreshold
// against it is removed. Degenerate boxes are always removed.
// The result is ordered by descending confidence, with ties in input order.
func NonMaxSuppression(input []RawDetection, iouThreshold float32) []RawDetection {
	// Bucket by class, preserving input order within each bucket
	byClass := map[string][]int{}
	classOrder := []string{}
	for i, d := range input {
		if d.Box.IsDegenerate() {
			continue
		}
		if _, ok := byClass[d.Class]; !ok {
			classOrder = append(classOrder, d.Class)
		}
		byClass[d.Class] = append(byClass[d.Class], i)
	}

	keep := []int{}
	for _, class := range classOrder {
		keep = append(keep, suppressClass(input, byClass[class], iouThreshold)...)
	}

	sort.Slice(keep, func(a, b int) bool {
		ca := input[keep[a]].Confidence
		cb := input[keep[b]].Confidence
		if ca != cb {
			return ca > cb
		}
		return keep[a] < keep[b]
	})

	out := make([]RawDetection, len(keep))
	for i, k := range keep {
		out[i] = input[k]
	}
	return out
}

// Returns the indices (into input) that survive suppression.
// idx must be non-empty, and all boxes must be non-degenerate.
func suppressClass(input []RawDetection, idx []int, iouThreshold float32) []int {
	sort.SliceStable(idx, func(a, b int) bool {
		return input[idx[a]].Confidence > input[idx[b]].Confidence
	})

	if iouThreshold <= 0 {
		// Every pair has IoU >= 0, so only the best candidate survives
		return idx[:1]
	}

	// Spatial index to avoid O(N^2) comparisons. Boxes are added in rank order,
	// so the flatbush index of a box is its rank.
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(len(idx))
	for _, i := range idx {
		b := input[i].Box
		fb.Add(b.X1, b.Y1, b.X2, b.Y2)
	}
	fb.Finish()

	suppressed := make([]bool, len(idx))
	keep := make([]int, 0, len(idx))
	for rank, i := range idx {
		if suppressed[rank] {
			continue
		}
		keep = append(keep, i)
		box := input[i].Box
		for _, other := range fb.Search(box.X1, box.Y1, box.X2, box.Y2) {
			if other <= rank || suppressed[other] {
				continue
			}
			if box.IOU(input[idx[other]].Box) >= iouThreshold {
				suppressed[other] = true
			}
		}
	}
	return keep
}
