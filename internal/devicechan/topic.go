package devicechan

import (
	"fmt"
	"strings"
)

// Topic layout: <prefix>/<direction>/<machine code>/<kind>. Events flow on the
// "evt" direction, commands on "cmd", so the server's own publishes never loop
// back into its event subscription.
const (
	directionEvent   = "evt"
	directionCommand = "cmd"
)

// EventTopic builds the inbound topic a device publishes on.
func EventTopic(prefix, machineCode, kind string) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, directionEvent, machineCode, kind)
}

// CommandTopic builds the outbound topic a device listens on.
func CommandTopic(prefix, machineCode, kind string) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, directionCommand, machineCode, kind)
}

// EventPattern is the glob pattern covering all inbound event topics.
func EventPattern(prefix string) string {
	return fmt.Sprintf("%s/%s/*", prefix, directionEvent)
}

// ParseEventTopic splits an inbound topic into machine code and kind.
func ParseEventTopic(prefix, topic string) (machineCode, kind string, err error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/"+directionEvent+"/")
	if !ok {
		return "", "", fmt.Errorf("topic %q is not an event topic for prefix %q", topic, prefix)
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed event topic %q", topic)
	}

	switch parts[1] {
	case KindDetected, KindTimeout, KindPresence:
		return parts[0], parts[1], nil
	}
	return "", "", fmt.Errorf("unknown event kind %q in topic %q", parts[1], topic)
}
