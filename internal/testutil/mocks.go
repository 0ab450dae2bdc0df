// Package testutil provides mock implementations for interfaces defined in the
// batch-converter core library (pkg/converter and subpackages) and in the CLI
// layer. These mocks facilitate unit testing by isolating components.
package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/stackvity/batch-converter/pkg/converter"
)

// MockConversionEngine provides a mock implementation of the converter.ConversionEngine interface.
// Configure expectations using testify/mock methods (e.g., .On("Convert", ...).Return(...)).
// Convert is called concurrently from worker goroutines; testify/mock serialises the
// recording of calls, but any state a test adds in Run callbacks must be synchronised by the test.
type MockConversionEngine struct {
	mock.Mock
}

// Convert mocks the Convert method.
func (m *MockConversionEngine) Convert(ctx context.Context, path string, settings converter.ConversionSettings) (out converter.EngineOutput, err error) {
	args := m.Called(ctx, path, settings)
	out, _ = args.Get(0).(converter.EngineOutput)
	err = args.Error(1)
	return
}

// MockOCRProvider provides a mock implementation of the converter.OCRProvider interface.
type MockOCRProvider struct {
	mock.Mock
}

// PerformOCR mocks the PerformOCR method.
func (m *MockOCRProvider) PerformOCR(ctx context.Context, req converter.OCRRequest) (resp converter.OCRResponse, err error) {
	args := m.Called(ctx, req)
	resp, _ = args.Get(0).(converter.OCRResponse)
	err = args.Error(1)
	return
}

// MockLanguageDetector provides a mock implementation of the language.LanguageDetector interface.
// See language.LanguageDetector for the interface contract.
type MockLanguageDetector struct {
	mock.Mock
}

// Detect mocks the Detect method.
func (m *MockLanguageDetector) Detect(content []byte, filePath string) (lang string, confidence float64, err error) {
	args := m.Called(content, filePath)
	lang, _ = args.Get(0).(string)
	confidence, _ = args.Get(1).(float64)
	err = args.Error(2)
	return
}

// MockEncodingHandler provides a mock implementation of the encoding.EncodingHandler interface.
// See encoding.EncodingHandler for the interface contract.
type MockEncodingHandler struct {
	mock.Mock
}

// DetectAndDecode mocks the DetectAndDecode method.
func (m *MockEncodingHandler) DetectAndDecode(content []byte) (utf8Content []byte, detectedEncoding string, certainty bool, err error) {
	args := m.Called(content)
	utf8Content, _ = args.Get(0).([]byte)
	detectedEncoding, _ = args.Get(1).(string)
	certainty, _ = args.Get(2).(bool)
	err = args.Error(3)
	return
}

// IsBinary mocks the IsBinary method.
func (m *MockEncodingHandler) IsBinary(content []byte) bool {
	args := m.Called(content)
	isBinary, _ := args.Get(0).(bool)
	return isBinary
}

// MockTUIProgram provides a mock implementation of the hooks.TUIProgram interface.
type MockTUIProgram struct {
	mock.Mock
}

// Send mocks the Send method.
func (m *MockTUIProgram) Send(msg interface{}) {
	m.Called(msg)
}

// MockProgressBar provides a mock implementation of the hooks.ProgressBar interface.
type MockProgressBar struct {
	mock.Mock
}

// Set mocks the Set method.
func (m *MockProgressBar) Set(num int) error {
	args := m.Called(num)
	return args.Error(0)
}

// Describe mocks the Describe method.
func (m *MockProgressBar) Describe(description string) error {
	args := m.Called(description)
	return args.Error(0)
}

// Close mocks the Close method.
func (m *MockProgressBar) Close() error {
	args := m.Called()
	return args.Error(0)
}
