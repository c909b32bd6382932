package errors

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// A StackFrame is one resolved frame of an Error's stack.
type StackFrame struct {
	// The path to the file containing this ProgramCounter
	File string
	// The LineNumber in that file
	LineNumber int
	// The Name of the function that contains this ProgramCounter
	Name string
	// The Package that contains this function
	Package string
	// The underlying ProgramCounter
	ProgramCounter uintptr
}

// NewStackFrame resolves the function, file and line for pc.
func NewStackFrame(pc uintptr) StackFrame {
	frame := StackFrame{ProgramCounter: pc}
	if fn := runtime.FuncForPC(pc - 1); fn != nil {
		frame.Package, frame.Name = packageAndName(fn)

		// pc -1 because the program counters we use are usually return addresses,
		// and we want to show the line that corresponds to the function call
		frame.File, frame.LineNumber = fn.FileLine(pc - 1)
	}
	return frame
}

// Short returns "pkg.Func (file.go:12)".
func (frame *StackFrame) Short() string {
	return fmt.Sprintf("%s.%s (%s:%d)", filepath.Base(frame.Package), frame.Name, filepath.Base(frame.File), frame.LineNumber)
}

func packageAndName(fn *runtime.Func) (string, string) {
	name := fn.Name()
	pkg := ""

	// The name includes the path name to the package, which is unnecessary
	// since the file name is already included.  Plus, it has center dots.
	// That is, we see
	//  runtime/debug.*T·ptrmethod
	// and want
	//  *T.ptrmethod
	// Since the package path might contains dots (e.g. code.google.com/...),
	// we first remove the path prefix if there is one.
	if lastslash := strings.LastIndex(name, "/"); lastslash >= 0 {
		pkg += name[:lastslash] + "/"
		name = name[lastslash+1:]
	}
	if period := strings.Index(name, "."); period >= 0 {
		pkg += name[:period]
		name = name[period+1:]
	}

	name = strings.ReplaceAll(name, "·", ".")
	return pkg, name
}
