package logger

import (
	"github.com/stretchr/testify/mock"
)

// MockLogger records log calls for assertions in tests.
//
// Every logging method is called with two arguments, the message and the key/value
// slice, so expectations read On("Warn", "FIFO nearly full", mock.Anything).
type MockLogger struct {
	mock.Mock
}

var _ Logger = (*MockLogger)(nil)

func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

// AllowAll accepts any call at every level, leaving the calls available to
// AssertNumberOfCalls and AssertCalled.
func (m *MockLogger) AllowAll() *MockLogger {
	for _, method := range []string{"Debug", "Info", "Warn", "Error"} {
		m.On(method, mock.Anything, mock.Anything).Maybe()
	}

	return m
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Info(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Warn(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) Fatal(msg string, keysAndValues ...any) { m.Called(msg, keysAndValues) }

func (m *MockLogger) SetLevel(level Level) { m.Called(level) }

func (m *MockLogger) Level() Level {
	args := m.Called()
	return args.Get(0).(Level)
}

// With returns m itself so calls on derived loggers are recorded in one place.
func (m *MockLogger) With(_ ...any) Logger { return m }
