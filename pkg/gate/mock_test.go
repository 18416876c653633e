package gate

import (
	"context"

	"github.com/MrCodeEU/sabhapass/pkg/liveness"
	"github.com/MrCodeEU/sabhapass/pkg/recognition"
	"github.com/MrCodeEU/sabhapass/pkg/storage"
)

// MockEngine implements Engine interface for testing
type MockEngine struct {
	StartFunc            func() uint64
	StopFunc             func()
	ResetFunc            func()
	RunFunc              func(ctx context.Context, src liveness.FrameSource, onState func(liveness.State) bool) error
	CurrentStateFunc     func() liveness.State
	IsReadyToCaptureFunc func() bool
	SessionIDFunc        func() string

	Stopped int
}

func (m *MockEngine) Start() uint64 {
	if m.StartFunc != nil {
		return m.StartFunc()
	}
	return 1
}

func (m *MockEngine) Stop() {
	m.Stopped++
	if m.StopFunc != nil {
		m.StopFunc()
	}
}

func (m *MockEngine) Reset() {
	if m.ResetFunc != nil {
		m.ResetFunc()
	}
}

func (m *MockEngine) Run(ctx context.Context, src liveness.FrameSource, onState func(liveness.State) bool) error {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, src, onState)
	}
	return nil
}

func (m *MockEngine) CurrentState() liveness.State {
	if m.CurrentStateFunc != nil {
		return m.CurrentStateFunc()
	}
	return liveness.State{}
}

func (m *MockEngine) IsReadyToCapture() bool {
	if m.IsReadyToCaptureFunc != nil {
		return m.IsReadyToCaptureFunc()
	}
	return false
}

func (m *MockEngine) SessionID() string {
	if m.SessionIDFunc != nil {
		return m.SessionIDFunc()
	}
	return ""
}

// MockExtractor implements recognition.Extractor for testing
type MockExtractor struct {
	ExtractDescriptorFunc func(jpeg []byte) (recognition.Descriptor, error)
}

func (m *MockExtractor) ExtractDescriptor(jpeg []byte) (recognition.Descriptor, error) {
	if m.ExtractDescriptorFunc != nil {
		return m.ExtractDescriptorFunc(jpeg)
	}
	return recognition.Descriptor{}, recognition.ErrNoFaceFound
}

// MockStore implements Store interface for testing
type MockStore struct {
	SaveCaptureFunc func(rec *storage.CaptureRecord) error

	Saved []*storage.CaptureRecord
}

func (m *MockStore) SaveCapture(rec *storage.CaptureRecord) error {
	if m.SaveCaptureFunc != nil {
		if err := m.SaveCaptureFunc(rec); err != nil {
			return err
		}
	}
	m.Saved = append(m.Saved, rec)
	return nil
}
