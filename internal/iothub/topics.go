package iothub

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/failover-agent/internal/connectivity"
)

// Topic layout for the device side of the hub MQTT surface.
const (
	twinResponseFilter  = "$iothub/twin/res/#"
	twinResponsePrefix  = "$iothub/twin/res/"
	twinDesiredFilter   = "$iothub/twin/PATCH/properties/desired/#"
	twinDesiredPrefix   = "$iothub/twin/PATCH/properties/desired/"
	twinReportedPrefix  = "$iothub/twin/PATCH/properties/reported/?$rid="
	twinGetPrefix       = "$iothub/twin/GET/?$rid="
	methodRequestFilter = "$iothub/methods/POST/#"
	methodRequestPrefix = "$iothub/methods/POST/"
	methodResponseFmt   = "$iothub/methods/res/%d/?$rid=%s"

	propContentType     = "$.ct"
	propContentEncoding = "$.ce"
	propMessageID       = "$.mid"
)

func telemetryPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

func c2dPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/"
}

func c2dFilter(deviceID string) string {
	return c2dPrefix(deviceID) + "#"
}

// telemetryTopic appends msg's system and application properties to the
// events topic as a URL-encoded property bag.
func telemetryTopic(deviceID string, msg connectivity.OutboundMessage) string {
	var parts []string
	if msg.ContentType != "" {
		parts = append(parts, propContentType+"="+url.QueryEscape(msg.ContentType))
	}
	if msg.ContentEncoding != "" {
		parts = append(parts, propContentEncoding+"="+url.QueryEscape(msg.ContentEncoding))
	}

	keys := make([]string, 0, len(msg.Properties))
	for k := range msg.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(msg.Properties[k]))
	}

	return telemetryPrefix(deviceID) + strings.Join(parts, "&")
}

// parseC2D extracts the property bag from a devicebound topic.
func parseC2D(deviceID, topic string, body []byte) (connectivity.Message, error) {
	prefix := c2dPrefix(deviceID)
	if !strings.HasPrefix(topic, prefix) {
		return connectivity.Message{}, fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}

	values, err := url.ParseQuery(strings.TrimPrefix(topic, prefix))
	if err != nil {
		return connectivity.Message{}, fmt.Errorf("%w: property bag: %w", ErrUnexpectedTopic, err)
	}

	msg := connectivity.Message{
		ID:         values.Get(propMessageID),
		Properties: make(map[string]string, len(values)),
		Body:       body,
	}
	for k := range values {
		msg.Properties[k] = values.Get(k)
	}
	return msg, nil
}

// parseMethodTopic splits "$iothub/methods/POST/{name}/?$rid={rid}".
func parseMethodTopic(topic string) (name, rid string, err error) {
	rest, ok := strings.CutPrefix(topic, methodRequestPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	name, query, ok := strings.Cut(rest, "/?")
	if !ok || name == "" {
		return "", "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %w", ErrUnexpectedTopic, topic, err)
	}
	return name, values.Get("$rid"), nil
}

func methodResponseTopic(status int, rid string) string {
	return fmt.Sprintf(methodResponseFmt, status, rid)
}

// parseTwinResponse splits "$iothub/twin/res/{status}/?$rid={rid}&$version={v}".
func parseTwinResponse(topic string) (status int, rid string, err error) {
	rest, ok := strings.CutPrefix(topic, twinResponsePrefix)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrUnexpectedTopic, topic)
	}
	code, query, _ := strings.Cut(rest, "/?")
	status, err = strconv.Atoi(strings.TrimSuffix(code, "/"))
	if err != nil {
		return 0, "", fmt.Errorf("%w: status in %s", ErrUnexpectedTopic, topic)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %s: %w", ErrUnexpectedTopic, topic, err)
	}
	return status, values.Get("$rid"), nil
}

// parseDesiredVersion reads $version from a desired PATCH topic. It
// returns -1 when the topic carries no version.
func parseDesiredVersion(topic string) int64 {
	rest, ok := strings.CutPrefix(topic, twinDesiredPrefix)
	if !ok {
		return -1
	}
	values, err := url.ParseQuery(strings.TrimPrefix(rest, "?"))
	if err != nil {
		return -1
	}
	v, err := strconv.ParseInt(values.Get("$version"), 10, 64)
	if err != nil {
		return -1
	}
	return v
}
