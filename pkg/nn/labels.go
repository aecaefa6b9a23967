package nn

// RawDetection is a candidate produced by a Scorer.
// Box is in canonical (model input) coordinates.
type RawDetection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// Detection is a final result.
// Box is in original image coordinates.
type Detection struct {
	Class      string  `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}
