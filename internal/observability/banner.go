package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

const (
	colorReset    = "\033[0m"
	colorNeonCyan = "\033[96m"
)

// termMu synchronizes ALL terminal output so that a banner or prompt
// write can never be interleaved with a log write.
var termMu sync.Mutex

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// ------------------------------------------------------------
// TermWriter – a mutex-guarded io.Writer for log output.
// Every log.Println call will go through this writer so prompt
// rendering and log lines stay serialized.
// ------------------------------------------------------------

type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
func NewTermWriter() *termWriter {
	return &termWriter{}
}

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

func PrintBanner() {
	banner := `
  ______      __    __   ______      ____
 /_  __/___ _/ /_  / /__/_  __/___ _/ / /__
  / / / __ ` + "`" + `/ __ \/ / _ \/ / / __ ` + "`" + `/ / //_/
 / / / /_/ / /_/ / /  __/ / / /_/ / / ,<
/_/  \__,_/_.___/_/\___/_/  \__,_/_/_/|_|

        >> ASK YOUR TABLES ANYTHING <<
`

	width := termWidth()
	lines := strings.Split(banner, "\n")

	termMu.Lock()
	defer termMu.Unlock()
	for _, l := range lines {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}
