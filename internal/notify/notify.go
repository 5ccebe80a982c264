// Package notify shows desktop notifications, e.g. when a watched
// production finishes.
package notify

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var ErrUnsupported = errors.New("desktop notifications not supported on this platform")

type Notifier interface {
	Send(title, message string) error
}

// Desktop uses osascript on macOS and notify-send elsewhere.
type Desktop struct {
	goos string
	run  func(name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{
		goos: runtime.GOOS,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

func (d *Desktop) Send(title, message string) error {
	name, args, err := command(d.goos, title, message)
	if err != nil {
		return err
	}
	if out, err := d.run(name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func command(goos, title, message string) (string, []string, error) {
	switch goos {
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title))
		return "osascript", []string{"-e", script}, nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return "notify-send", []string{"--app-name=calvalus", title, message}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupported, goos)
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Discard drops all notifications.
type Discard struct{}

func (Discard) Send(string, string) error { return nil }
