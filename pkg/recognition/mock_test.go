package recognition

import (
	"image"

	"github.com/Kagami/go-face"
)

// MockFaceEngine implements FaceEngine for testing. Inputs passed to
// Recognize are recorded in Seen.
type MockFaceEngine struct {
	RecognizeFunc func(data []byte) ([]face.Face, error)
	CloseFunc     func()

	Seen [][]byte
}

func (m *MockFaceEngine) Recognize(data []byte) ([]face.Face, error) {
	m.Seen = append(m.Seen, data)
	if m.RecognizeFunc != nil {
		return m.RecognizeFunc(data)
	}
	return nil, nil
}

func (m *MockFaceEngine) Close() {
	if m.CloseFunc != nil {
		m.CloseFunc()
	}
}

// detectedFace builds a go-face result with the given box and a descriptor
// whose components all equal fill.
func detectedFace(box image.Rectangle, fill float32) face.Face {
	var d face.Descriptor
	for i := range d {
		d[i] = fill
	}
	return face.Face{Rectangle: box, Descriptor: d}
}
