package broker

import "strings"

// MatchTopic reports whether a concrete MQTT topic matches a subscription
// pattern. "+" matches exactly one level, "#" (only as the final segment)
// matches all remaining levels. An empty pattern never matches.
func MatchTopic(topic, pattern string) bool {
	if pattern == "" {
		return false
	}

	topicParts := strings.Split(topic, "/")
	patternParts := strings.Split(pattern, "/")

	if patternParts[len(patternParts)-1] == "#" {
		if len(topicParts) < len(patternParts)-1 {
			return false
		}
		for i := 0; i < len(patternParts)-1; i++ {
			if patternParts[i] != "+" && patternParts[i] != topicParts[i] {
				return false
			}
		}
		return true
	}

	if len(topicParts) != len(patternParts) {
		return false
	}

	for i, patternPart := range patternParts {
		if patternPart == "+" {
			continue
		}
		if patternPart != topicParts[i] {
			return false
		}
	}

	return true
}
