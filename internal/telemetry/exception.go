package telemetry

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/szibis/insights-go/internal/contracts"
)

// maxStackFrames bounds the captured stack.
const maxStackFrames = 64

// ExceptionTelemetry reports an error. Each error in the Unwrap chain
// becomes one exception detail, outermost first.
type ExceptionTelemetry struct {
	Common
	Exceptions   []contracts.ExceptionDetails
	Severity     contracts.SeverityLevel
	ProblemID    string
	Measurements Measurements
}

// NewException describes err with the caller's stack attached to the
// outermost detail.
func NewException(err error) *ExceptionTelemetry {
	return newException(err, 4)
}

func newException(err error, skip int) *ExceptionTelemetry {
	e := &ExceptionTelemetry{Severity: contracts.Error}
	if err == nil {
		err = errors.New("<nil>")
	}

	frames := callers(skip)
	for id, cur := 1, err; cur != nil; id, cur = id+1, errors.Unwrap(cur) {
		d := contracts.ExceptionDetails{
			ID:       id,
			TypeName: fmt.Sprintf("%T", cur),
			Message:  cur.Error(),
		}
		if id > 1 {
			d.OuterID = id - 1
		} else if len(frames) > 0 {
			d.HasFullStack = len(frames) < maxStackFrames
			d.ParsedStack = frames
		}
		e.Exceptions = append(e.Exceptions, d)
	}
	return e
}

func callers(skip int) []contracts.StackFrame {
	pcs := make([]uintptr, maxStackFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return nil
	}
	it := runtime.CallersFrames(pcs[:n])
	var frames []contracts.StackFrame
	for level := 0; ; level++ {
		f, more := it.Next()
		pkg, method := splitFunction(f.Function)
		frames = append(frames, contracts.StackFrame{
			Level:    level,
			Method:   method,
			Assembly: pkg,
			FileName: f.File,
			Line:     f.Line,
		})
		if !more {
			break
		}
	}
	return frames
}

// splitFunction splits "example.com/pkg.(*T).M" into its import path and
// the method part.
func splitFunction(fn string) (pkg, method string) {
	slash := strings.LastIndex(fn, "/")
	dot := strings.Index(fn[slash+1:], ".")
	if dot < 0 {
		return "", fn
	}
	dot += slash + 1
	return fn[:dot], fn[dot+1:]
}

func (e *ExceptionTelemetry) typeName() string {
	if len(e.Exceptions) == 0 {
		return ""
	}
	return e.Exceptions[0].TypeName
}

func (e *ExceptionTelemetry) data(props map[string]string) (string, string, any) {
	return contracts.ExceptionName, contracts.ExceptionBaseType, contracts.ExceptionData{
		Ver:           2,
		Exceptions:    e.Exceptions,
		SeverityLevel: e.Severity,
		ProblemID:     e.ProblemID,
		Properties:    props,
		Measurements:  e.Measurements,
	}
}
