package claude

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// readEvents parses "event:"/"data:" pairs until message_stop or EOF.
func readEvents(body io.Reader, fn func(streamEvent) error) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("anthropic: stream ended before message_stop")
			}
			return fmt.Errorf("anthropic: read stream: %w", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "event: ") {
			continue
		}
		eventType := strings.TrimPrefix(line, "event: ")

		dataLine, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("anthropic: read stream: %w", err)
		}
		dataLine = strings.TrimSpace(dataLine)
		if !strings.HasPrefix(dataLine, "data: ") || eventType == "ping" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			ev.Type = eventType
		}
		if ev.Type == "message_stop" {
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
