package docker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// streamMessage is one JSON frame of a build or push progress stream.
type streamMessage struct {
	Stream         string         `json:"stream"`
	Status         string         `json:"status"`
	ID             string         `json:"id"`
	Progress       string         `json:"progress"`
	ProgressDetail progressDetail `json:"progressDetail"`
	Error          string         `json:"error"`
	ErrorDetail    struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux map[string]interface{} `json:"aux"`
}

type progressDetail struct {
	Current int64 `json:"current"`
	Total   int64 `json:"total"`
}

func (m streamMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m streamMessage) render() string {
	if m.Stream != "" {
		return m.Stream
	}
	if m.Status != "" {
		// Layer progress bars are noise in a persisted log.
		if m.Progress != "" || m.ProgressDetail.Total > 0 {
			return ""
		}
		if id := strings.TrimSpace(m.ID); id != "" {
			return id + ": " + strings.TrimSpace(m.Status) + "\n"
		}
		return strings.TrimSpace(m.Status) + "\n"
	}
	if digest, ok := m.Aux["Digest"]; ok {
		return fmt.Sprintf("digest: %v\n", digest)
	}
	if id, ok := m.Aux["ID"]; ok {
		return fmt.Sprintf("image id: %v\n", id)
	}
	return ""
}

// drainStream copies rendered frames into out and returns the first error frame.
func drainStream(r io.Reader, out io.Writer) error {
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode docker stream: %w", err)
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			fmt.Fprintln(out, errMsg)
			return errors.New(errMsg)
		}
		if line := msg.render(); line != "" {
			io.WriteString(out, line)
		}
	}
}
