package metric

import "strings"

// Tag constants
const (
	TagEnv                   = "env"
	TagService               = "service"
	TagPath                  = "path"
	TagMethod                = "method"
	TagStatusCode            = "status_code"
	TagHttpStatusCode        = "http_status_code"
	TagCommunicationProtocol = "communication_protocol"

	TagResource       = "resource"
	TagVerdict        = "verdict"
	TagClassification = "classification"
	TagOutcome        = "outcome"
	TagBackendPath    = "backend_path"

	TagComponent = "component"

	TagValueCommunicationProtocolHttp = "http"
	TagValueComponentGate             = "access-gate"
)

type Tag struct {
	Name  string
	Value string
}

func NewTag(name, value string) Tag {
	return Tag{
		Name:  name,
		Value: value,
	}
}

// BuildTag builds a tag from the given name and value
func BuildTag(tags ...Tag) []string {
	allTags := make([]string, 0)
	for _, tag := range tags {
		allTags = append(allTags, TagAsString(tag.Name, tag.Value))
	}
	return allTags
}

// normalizeTagValue sanitizes tag values to prevent parsing issues
func normalizeTagValue(value string) string {
	// Note: "/" is kept as-is to preserve URL paths
	problematicChars := []string{":", " ", "\\", ",", "|", "@", "#"}
	normalized := value
	for _, char := range problematicChars {
		normalized = strings.ReplaceAll(normalized, char, "_")
	}
	return normalized
}

func TagAsString(name string, value string) string {
	return name + ":" + normalizeTagValue(value)
}
