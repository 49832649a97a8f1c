// Package protocol speaks the external process manager's line-oriented TCP
// protocol (start/stop/status/switch with a project-path argument) and its
// optional HTTP project-listing endpoint.
package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode"
)

// ResponseTimeout is the literal value returned when a command times out.
// Callers poll status instead of treating it as fatal.
const ResponseTimeout = "timeout"

// Controller sends one command per fresh TCP connection. Managers in the
// field disagree on the exact framing, so each command is tried as
// "command|path" then "command:path", each with no terminator, "\n" and
// "\r\n", until one yields a response the manager did not reject.
type Controller struct {
	addr    string
	timeout time.Duration

	// UseRequestID prefixes each payload with an incrementing "N." marker.
	// Some managers require it for multiplexing, most ignore it.
	UseRequestID bool
	requestID    int
}

func NewController(host string, port int, timeout time.Duration) *Controller {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Controller{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port)), timeout: timeout}
}

func (c *Controller) Start(projectPath string) string  { return c.Send("start", projectPath) }
func (c *Controller) Stop(projectPath string) string   { return c.Send("stop", projectPath) }
func (c *Controller) Status(projectPath string) string { return c.Send("status", projectPath) }
func (c *Controller) Switch(projectPath string) string { return c.Send("switch", projectPath) }

func (c *Controller) Send(command, projectPath string) string {
	payloads := []string{
		fmt.Sprintf("%s|%s", command, projectPath),
		fmt.Sprintf("%s:%s", command, projectPath),
	}
	terminators := []string{"", "\n", "\r\n"}

	c.requestID++
	for _, payload := range payloads {
		framed := payload
		if c.UseRequestID {
			framed = fmt.Sprintf("%d.%s", c.requestID, payload)
		}
		for _, terminator := range terminators {
			response, err := c.exchange(framed + terminator)
			if err != nil {
				if isTimeout(err) {
					return ResponseTimeout
				}
				slog.Debug("process manager command failed", "command", command, "error", err)
				continue
			}
			cleaned := cleanResponse(response)
			if cleaned == "" || isRejection(cleaned) {
				continue
			}
			return cleaned
		}
	}
	return ""
}

func (c *Controller) exchange(payload string) (string, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", err
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return "", err
	}
	return string(buf[:n]), nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isRejection reports whether the manager refused the framing variant.
func isRejection(response string) bool {
	lowered := strings.ToLower(response)
	return strings.Contains(lowered, "invalid-command") ||
		strings.Contains(lowered, "unknown command") ||
		strings.Contains(lowered, "unknown-command")
}

// cleanResponse strips the success/error marker and any numeric request-id
// prefix ("N." or "N:") the manager echoed back.
func cleanResponse(response string) string {
	cleaned := strings.TrimSpace(response)
	cleaned = strings.TrimPrefix(cleaned, "suc:")
	cleaned = strings.TrimPrefix(cleaned, "err:")
	cleaned = stripRequestID(cleaned)
	return strings.TrimSpace(cleaned)
}

func stripRequestID(response string) string {
	for i, r := range response {
		if unicode.IsDigit(r) {
			continue
		}
		if (r == '.' || r == ':') && i > 0 {
			return response[i+1:]
		}
		break
	}
	return response
}
