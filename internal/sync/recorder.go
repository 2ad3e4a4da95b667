package sync

// Recorder receives engine measurements. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	RecordPage(records int)
	RecordRetry(reason string)
	RecordRun(result *Result, err *Error)
}

type noopRecorder struct{}

func (noopRecorder) RecordPage(int) {}

func (noopRecorder) RecordRetry(string) {}

func (noopRecorder) RecordRun(*Result, *Error) {}
