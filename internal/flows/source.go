package flows

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidFlow is returned for documents that are not a flow definition
var ErrInvalidFlow = errors.New("invalid flow")

// Normalize parses a flow document, forces its namespace and returns the flow
// id together with the re-encoded source.
func Normalize(content io.Reader, namespace string) (id, source string, err error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(content)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return "", "", fmt.Errorf("%w: empty document", ErrInvalidFlow)
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return "", "", fmt.Errorf("%w: top level must be a mapping", ErrInvalidFlow)
	}
	root := doc.Content[0]

	idNode := mappingValue(root, "id")
	if idNode == nil || idNode.Kind != yaml.ScalarNode || strings.TrimSpace(idNode.Value) == "" {
		return "", "", fmt.Errorf("%w: missing id", ErrInvalidFlow)
	}
	id = strings.TrimSpace(idNode.Value)
	if strings.ContainsAny(id, "/ ") {
		return "", "", fmt.Errorf("%w: id %q must not contain '/' or spaces", ErrInvalidFlow, id)
	}

	if nsNode := mappingValue(root, "namespace"); nsNode != nil {
		nsNode.Kind = yaml.ScalarNode
		nsNode.Tag = "!!str"
		nsNode.Value = namespace
		nsNode.Content = nil
		nsNode.Style = 0
	} else {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "namespace"},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: namespace},
		)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", "", fmt.Errorf("failed to encode flow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", "", fmt.Errorf("failed to encode flow: %w", err)
	}

	return id, buf.String(), nil
}

// mappingValue returns the value node stored under key, or nil
func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
