package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func raw(class string, conf float32, x1, y1, x2, y2 float32) RawDetection {
	return RawDetection{Class: class, Confidence: conf, Box: MakeRect(x1, y1, x2, y2)}
}

func TestIOU(t *testing.T) {
	a := MakeRect(0, 0, 10, 10)
	b := MakeRect(1, 1, 11, 11)
	require.InDelta(t, 81.0/119.0, a.IOU(b), 1e-6)
	require.InDelta(t, 1.0, a.IOU(a), 1e-6)
	require.Equal(t, float32(0), a.IOU(MakeRect(20, 20, 30, 30)))
	// Touching edges have no overlap
	require.Equal(t, float32(0), a.IOU(MakeRect(10, 0, 20, 10)))

	// Degenerate boxes have IoU zero with everything, including themselves
	line := MakeRect(0, 0, 10, 0)
	require.True(t, line.IsDegenerate())
	require.Equal(t, float32(0), line.IOU(a))
	require.Equal(t, float32(0), line.IOU(line))
	require.True(t, MakeRect(5, 5, 1, 1).IsDegenerate())
}

func TestClamp(t *testing.T) {
	r := MakeRect(-0.0001, -3, 100.0002, 50).Clamp(100, 40)
	require.Equal(t, MakeRect(0, 0, 100, 40), r)
}

func TestCatDogScenario(t *testing.T) {
	input := []RawDetection{
		raw("cat", 0.9, 0, 0, 10, 10),
		raw("cat", 0.8, 1, 1, 11, 11),
		raw("dog", 0.3, 50, 50, 60, 60),
	}
	out := NonMaxSuppression(FilterByConfidence(input, 0.6), 0.5)
	require.Equal(t, []RawDetection{raw("cat", 0.9, 0, 0, 10, 10)}, out)
}

func TestNMSPerClass(t *testing.T) {
	// Same box, different classes. Neither suppresses the other.
	input := []RawDetection{
		raw("car", 0.7, 0, 0, 10, 10),
		raw("truck", 0.8, 0, 0, 10, 10),
	}
	out := NonMaxSuppression(input, 0.5)
	require.Len(t, out, 2)
	require.Equal(t, "truck", out[0].Class)
	require.Equal(t, "car", out[1].Class)
}

func TestNMSTiesAreStable(t *testing.T) {
	// Equal confidence: the first one in the input wins
	input := []RawDetection{
		raw("cat", 0.5, 100, 100, 110, 110),
		raw("cat", 0.5, 0, 0, 10, 10),
		raw("cat", 0.5, 1, 1, 10, 10),
	}
	out := NonMaxSuppression(input, 0.5)
	require.Equal(t, []RawDetection{input[0], input[1]}, out)
}

func TestNMSDropsDegenerate(t *testing.T) {
	input := []RawDetection{
		raw("cat", 0.99, 5, 5, 5, 20),
		raw("cat", 0.5, 0, 0, 10, 10),
	}
	out := NonMaxSuppression(input, 0.5)
	require.Equal(t, []RawDetection{input[1]}, out)
}

func TestNMSZeroThreshold(t *testing.T) {
	input := []RawDetection{
		raw("cat", 0.4, 0, 0, 10, 10),
		raw("cat", 0.6, 500, 500, 510, 510),
		raw("dog", 0.1, 0, 0, 10, 10),
	}
	out := NonMaxSuppression(input, 0)
	require.Equal(t, []RawDetection{input[1], input[2]}, out)
}

func TestFilterByConfidence(t *testing.T) {
	input := []RawDetection{
		raw("a", 0.5, 0, 0, 1, 1),
		raw("b", 0.49999, 0, 0, 1, 1),
		raw("c", 1, 0, 0, 1, 1),
	}
	out := FilterByConfidence(input, 0.5)
	require.Equal(t, []RawDetection{input[0], input[2]}, out)
}

// Reference O(N^2) implementation, to compare against the flatbush-accelerated one
func bruteForceNMS(input []RawDetection, iouThreshold float32) map[int]bool {
	order := make([]int, 0, len(input))
	for i := range input {
		if !input[i].Box.IsDegenerate() {
			order = append(order, i)
		}
	}
	// insertion sort, stable, descending confidence
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && input[order[j]].Confidence > input[order[j-1]].Confidence; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	removed := map[int]bool{}
	keep := map[int]bool{}
	for a, i := range order {
		if removed[i] {
			continue
		}
		keep[i] = true
		for _, j := range order[a+1:] {
			if input[j].Class == input[i].Class && input[i].Box.IOU(input[j].Box) >= iouThreshold {
				removed[j] = true
			}
		}
	}
	return keep
}

func TestNMSProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	classes := []string{"person", "car", "dog"}
	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(40)
		input := make([]RawDetection, n)
		for i := range input {
			x := rng.Float32() * 100
			y := rng.Float32() * 100
			w := rng.Float32() * 30
			h := rng.Float32() * 30
			// Quantize confidence so that we get ties
			conf := float32(rng.Intn(10)) / 10
			input[i] = raw(classes[rng.Intn(len(classes))], conf, x, y, x+w, y+h)
		}
		confThreshold := float32(rng.Intn(5)) / 10
		iouThreshold := 0.1 + float32(rng.Intn(9))/10

		filtered := FilterByConfidence(input, confThreshold)
		out := NonMaxSuppression(filtered, iouThreshold)

		expect := bruteForceNMS(filtered, iouThreshold)
		require.Len(t, out, len(expect))

		for i, a := range out {
			require.GreaterOrEqual(t, a.Confidence, confThreshold)
			require.False(t, a.Box.IsDegenerate())
			if i > 0 {
				require.GreaterOrEqual(t, out[i-1].Confidence, a.Confidence)
			}
			for _, b := range out[i+1:] {
				if a.Class == b.Class {
					require.Less(t, a.Box.IOU(b.Box), iouThreshold)
				}
			}
		}
	}
}
