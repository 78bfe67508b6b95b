package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// apiVersion is the service API version announced in the MQTT username.
const apiVersion = "2021-04-12"

// Twin topics.
const (
	topicTwinResponses = "$iothub/twin/res/#"
	topicTwinDesired   = "$iothub/twin/PATCH/properties/desired/#"

	prefixTwinResponse = "$iothub/twin/res/"
	prefixTwinDesired  = "$iothub/twin/PATCH/properties/desired/"
)

// System property keys carried in message topics.
const (
	sysMessageID       = "$.mid"
	sysContentType     = "$.ct"
	sysContentEncoding = "$.ce"
)

func username(cred Credential) string {
	return cred.HostName + "/" + cred.DeviceID + "/?api-version=" + apiVersion
}

func brokerURL(host, transport string) string {
	if transport == TransportWebSocket {
		return "wss://" + host + ":443/$iothub/websocket"
	}
	return "ssl://" + host + ":8883"
}

func twinGetTopic(rid string) string {
	return "$iothub/twin/GET/?$rid=" + rid
}

func twinReportedTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + rid
}

func eventsTopic(deviceID string, msg *Message) string {
	return "devices/" + deviceID + "/messages/events/" + encodeMessageProperties(msg)
}

func deviceboundPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/"
}

func deviceboundTopic(deviceID string) string {
	return deviceboundPrefix(deviceID) + "#"
}

// encodeMessageProperties renders system properties with literal keys
// followed by application properties in key order.
func encodeMessageProperties(msg *Message) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+url.QueryEscape(v))
		}
	}
	add(sysMessageID, msg.ID)
	add(sysContentType, msg.ContentType)
	add(sysContentEncoding, msg.ContentEncoding)

	keys := make([]string, 0, len(msg.Properties))
	for k := range msg.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(msg.Properties[k]))
	}
	return strings.Join(parts, "&")
}

// parseTwinResponseTopic extracts the status code and request id from
// "$iothub/twin/res/{status}/?$rid={rid}[&$version={v}]".
func parseTwinResponseTopic(topic string) (status int, rid string, err error) {
	rest, ok := strings.CutPrefix(topic, prefixTwinResponse)
	if !ok {
		return 0, "", fmt.Errorf("%w: unexpected topic %q", ErrMalformedResponse, topic)
	}
	code, query, _ := strings.Cut(rest, "/?")
	status, err = strconv.Atoi(strings.TrimSuffix(code, "/"))
	if err != nil {
		return 0, "", fmt.Errorf("%w: status in %q: %w", ErrMalformedResponse, topic, err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return 0, "", fmt.Errorf("%w: query in %q: %w", ErrMalformedResponse, topic, err)
	}
	return status, values.Get("$rid"), nil
}

// parseDeviceboundTopic builds a Message from a cloud-to-device topic and payload.
func parseDeviceboundTopic(deviceID, topic string, payload []byte) *Message {
	msg := &Message{Body: payload, Properties: map[string]string{}}
	rest, _ := strings.CutPrefix(topic, deviceboundPrefix(deviceID))
	values, err := url.ParseQuery(rest)
	if err != nil {
		return msg
	}
	for k := range values {
		v := values.Get(k)
		switch k {
		case sysMessageID:
			msg.ID = v
		case sysContentType:
			msg.ContentType = v
		case sysContentEncoding:
			msg.ContentEncoding = v
		default:
			if !strings.HasPrefix(k, "$") {
				msg.Properties[k] = v
			}
		}
	}
	return msg
}

// parseOrderedProperties decodes a JSON object into properties in document
// order, dropping service metadata keys such as "$version".
func parseOrderedProperties(data []byte) ([]Property, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: expected JSON object", ErrMalformedResponse)
	}

	var props []Property
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		key, _ := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: value of %q: %w", ErrMalformedResponse, key, err)
		}
		if strings.HasPrefix(key, "$") {
			continue
		}
		props = append(props, Property{Key: key, Value: raw})
	}
	return props, nil
}

// twinDocument is the body of a twin GET response.
type twinDocument struct {
	Desired map[string]json.RawMessage `json:"desired"`
}

func parseConfiguration(body []byte) (Configuration, error) {
	var doc twinDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return Configuration{}, fmt.Errorf("%w: twin document: %w", ErrMalformedResponse, err)
	}
	cfg := Configuration{Desired: map[string]json.RawMessage{}}
	for k, v := range doc.Desired {
		if k == "$version" {
			if err := json.Unmarshal(v, &cfg.Version); err != nil {
				return Configuration{}, fmt.Errorf("%w: $version: %w", ErrMalformedResponse, err)
			}
			continue
		}
		if strings.HasPrefix(k, "$") {
			continue
		}
		cfg.Desired[k] = v
	}
	return cfg, nil
}
