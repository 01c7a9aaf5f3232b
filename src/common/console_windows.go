package common

import (
	"os"

	"golang.org/x/sys/windows"
)

var (
	kernel32           = windows.NewLazySystemDLL("kernel32.dll")
	setConsoleOutputCP = kernel32.NewProc("SetConsoleOutputCP")
)

// The repaint console writes ANSI escape directives and UTF-8 text, both
// opt-in on Windows: virtual terminal processing for the escapes, code
// page 65001 for the text. Failures leave the console as it was.
func init() {
	handle := windows.Handle(os.Stdout.Fd())
	var mode uint32
	if err := windows.GetConsoleMode(handle, &mode); err != nil {
		return
	}
	mode |= windows.ENABLE_PROCESSED_OUTPUT | windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
	_ = windows.SetConsoleMode(handle, mode)
	_, _, _ = setConsoleOutputCP.Call(uintptr(65001))
}
