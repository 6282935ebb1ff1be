package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	CommandSendText     = "send_text"
	CommandSetVerbosity = "set_verbosity"
	CommandSendImage    = "send_image"
)

type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badCommand(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// Command is an inbound UI request.
type Command struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Level    string `json:"level,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`

	Image []byte `json:"-"`
}

func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, badCommand("invalid json frame", "")
	}
	cmd.Type = strings.TrimSpace(cmd.Type)
	switch cmd.Type {
	case "":
		return Command{}, badCommand("missing type", "type")
	case CommandSendText:
		if strings.TrimSpace(cmd.Text) == "" {
			return Command{}, badCommand("send_text.text is required", "text")
		}
	case CommandSetVerbosity:
		if strings.TrimSpace(cmd.Level) == "" {
			return Command{}, badCommand("set_verbosity.level is required", "level")
		}
	case CommandSendImage:
		if strings.TrimSpace(cmd.ImageB64) == "" {
			return Command{}, badCommand("send_image.image_b64 is required", "image_b64")
		}
		img, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cmd.ImageB64))
		if err != nil {
			return Command{}, badCommand("send_image.image_b64 is not valid base64", "image_b64")
		}
		cmd.Image = img
	default:
		return Command{}, badCommand(fmt.Sprintf("unsupported command type %q", cmd.Type), "type")
	}
	return cmd, nil
}

// CommandError is sent back to a UI client whose command was rejected.
type CommandError struct {
	Command string `json:"command,omitempty"`
	Message string `json:"message"`
}

func (CommandError) EventType() string { return "command_error" }
