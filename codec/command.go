package codec

import (
	"encoding/json"
	"fmt"
)

// CommandKind enumerates the command intents C7 (Command Dispatcher)
// can translate into bus publishes.
type CommandKind string

const (
	CommandDoor       CommandKind = "door"
	CommandLight      CommandKind = "light"
	CommandReboot     CommandKind = "reboot"
	CommandUpdate     CommandKind = "update"
	CommandPing       CommandKind = "ping"
)

// CommandArgs carries the arguments for EncodeCommand. Only the fields
// relevant to Kind are read.
type CommandArgs struct {
	DeviceID string
	Door     string // open|close|toggle
	Light    string // on|off|toggle
	Manifest Manifest
}

// Manifest mirrors the OTA manifest shape published on the update topic.
type Manifest struct {
	Ref   string         `json:"ref"`
	Files []ManifestFile `json:"files"`
}

// ManifestFile is one file entry within a Manifest.
type ManifestFile struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

// EncodeCommand produces the (topic, payload) pair for a command kind,
// the mirror image of Decode for outbound traffic.
func EncodeCommand(kind CommandKind, args CommandArgs) (topic string, payload []byte, err error) {
	switch kind {
	case CommandDoor:
		switch args.Door {
		case "open", "close", "toggle":
		default:
			return "", nil, fmt.Errorf("codec: invalid door command %q", args.Door)
		}
		return "home/garage/door/command", []byte(args.Door), nil

	case CommandLight:
		switch args.Light {
		case "on", "off", "toggle":
		default:
			return "", nil, fmt.Errorf("codec: invalid light command %q", args.Light)
		}
		return "home/garage/light/command", []byte(args.Light), nil

	case CommandReboot:
		if args.DeviceID == "" {
			return "", nil, fmt.Errorf("codec: reboot requires device_id")
		}
		return fmt.Sprintf("home/system/%s/reboot", args.DeviceID), []byte("{}"), nil

	case CommandUpdate:
		if args.DeviceID == "" {
			return "", nil, fmt.Errorf("codec: update requires device_id")
		}
		b, err := json.Marshal(args.Manifest)
		if err != nil {
			return "", nil, fmt.Errorf("codec: marshal manifest: %w", err)
		}
		return fmt.Sprintf("home/system/%s/update", args.DeviceID), b, nil

	case CommandPing:
		if args.DeviceID == "" {
			return "", nil, fmt.Errorf("codec: ping requires device_id")
		}
		return fmt.Sprintf("home/system/%s/ping", args.DeviceID), []byte("{}"), nil

	default:
		return "", nil, fmt.Errorf("codec: unknown command kind %q", kind)
	}
}
