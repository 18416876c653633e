// Package recognition extracts face descriptors from captured stills.
// It uses dlib via go-face; the descriptor is what the portal submits for
// login or attendance once liveness has been verified.
package recognition

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/MrCodeEU/sabhapass/pkg/logging"
)

// Descriptor is a 128-dimensional face descriptor from dlib.
type Descriptor = face.Descriptor

// Extractor turns an encoded still into a descriptor.
type Extractor interface {
	ExtractDescriptor(jpeg []byte) (Descriptor, error)
}

// Face is one face found in a still.
type Face struct {
	BoundingBox image.Rectangle
	Descriptor  Descriptor
}

// ErrNoFaceFound is returned when the still contains no face.
var ErrNoFaceFound = errors.New("no face found")

// ErrMultipleFaces is returned when more than one face is found.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// FaceEngine is the subset of *face.Recognizer the extractor uses.
type FaceEngine interface {
	Recognize(data []byte) ([]face.Face, error)
	Close()
}

// DlibExtractor implements Extractor using dlib via go-face.
type DlibExtractor struct {
	mu        sync.RWMutex
	engine    FaceEngine
	modelPath string
	loaded    bool
	factory   func(modelPath string) (FaceEngine, error)
}

// NewExtractor creates an extractor. Call LoadModels before use.
func NewExtractor() *DlibExtractor {
	return &DlibExtractor{
		factory: func(modelPath string) (FaceEngine, error) {
			rec, err := face.NewRecognizer(modelPath)
			if err != nil {
				return nil, err
			}
			return rec, nil
		},
	}
}

// LoadModels loads the dlib models from modelPath. The directory must contain
// shape_predictor_5_face_landmarks.dat and
// dlib_face_recognition_resnet_model_v1.dat. Loading twice is a no-op.
func (r *DlibExtractor) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	logging.Infof("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *DlibExtractor) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *DlibExtractor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// DetectFaces finds every face in an encoded still.
func (r *DlibExtractor) DetectFaces(imageData []byte) ([]Face, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	faces, err := r.engine.Recognize(imageData)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceFound
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		result[i] = Face{
			BoundingBox: f.Rectangle,
			Descriptor:  f.Descriptor,
		}
	}

	logging.Debugf("Detected %d face(s) in still", len(result))
	return result, nil
}

// ExtractDescriptor returns the descriptor of the single face in the still.
// It returns ErrNoFaceFound or ErrMultipleFaces otherwise.
func (r *DlibExtractor) ExtractDescriptor(jpeg []byte) (Descriptor, error) {
	faces, err := r.DetectFaces(jpeg)
	if err != nil {
		return Descriptor{}, err
	}
	if len(faces) > 1 {
		return Descriptor{}, ErrMultipleFaces
	}
	return faces[0].Descriptor, nil
}

// IsZero reports whether d is the zero descriptor, which dlib never produces
// for a real face.
func IsZero(d Descriptor) bool {
	return d == Descriptor{}
}
