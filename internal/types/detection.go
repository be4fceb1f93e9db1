package types

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
	W float64 `msgpack:"w" json:"w"`
	H float64 `msgpack:"h" json:"h"`
}

// Detection is a single object found by the detection stage.
type Detection struct {
	ClassID    int     `msgpack:"class_id" json:"class_id"`
	Confidence float64 `msgpack:"confidence" json:"confidence"`
	BBox       BBox    `msgpack:"bbox" json:"bbox"`
}

// Result is the detection stage output for one frame of a batch.
//
// Index is relative to the batch it was computed from, not a global sequence.
type Result struct {
	Index      int         `msgpack:"index" json:"index"`
	Detections []Detection `msgpack:"detections" json:"detections"`
}

// FrameResult pairs a frame with its detections after re-association.
type FrameResult struct {
	Frame      Frame
	Detections []Detection
}
