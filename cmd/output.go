package cmd

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/abcdlsj/devnest/pkg/docker"
)

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	return t
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// colorState paints a runtime state the way a glance at the table needs.
func colorState(state string) string {
	switch state {
	case "":
		return "-"
	case docker.StateRunning:
		return text.FgGreen.Sprint(state)
	case docker.StateExited, docker.StateDead:
		return text.FgRed.Sprint(state)
	case docker.StateRestarting, docker.StatePaused:
		return text.FgYellow.Sprint(state)
	}
	return state
}

// spin shows a spinner with msg on stderr while fn runs.
func spin(msg string, fn func() error) error {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + msg
	s.Start()
	err := fn()
	s.Stop()
	return err
}
