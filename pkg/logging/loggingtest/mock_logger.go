// Package loggingtest provides logger doubles for tests
package loggingtest

import (
	"github.com/stretchr/testify/mock"
)

type MockLogger struct {
	mock.Mock
}

// NewMockLogger returns a logger that accepts any call at any level
func NewMockLogger() *MockLogger {
	logger := &MockLogger{}
	for _, method := range []string{"LogLevelf", "Debugf", "Infof", "Warnf", "Errorf", "Fatalf"} {
		logger.On(method, mock.Anything, mock.Anything).Maybe()
	}
	return logger
}

func (m *MockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *MockLogger) Fatalf(format string, args ...interface{}) {
	m.Called(format, args)
}

// CallCount counts calls of one logger method
func (m *MockLogger) CallCount(method string) int {
	count := 0
	for _, call := range m.Calls {
		if call.Method == method {
			count++
		}
	}
	return count
}
