package skills

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"
)

// Descriptor file names recognised by default, in order of preference.
const (
	MarkdownDescriptor = "SKILL.md"
	JSONDescriptor     = "skill.json"
	YAMLDescriptor     = "skill.yaml"
	YMLDescriptor      = "skill.yml"
)

// DefaultDescriptorPatterns lists the descriptor names in preference order.
var DefaultDescriptorPatterns = []string{MarkdownDescriptor, JSONDescriptor, YAMLDescriptor, YMLDescriptor}

// Format is the on-disk encoding of a descriptor.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

// FormatForPath infers the descriptor format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", errors.Errorf("unsupported descriptor extension %q", filepath.Ext(path))
}

// ParseFile reads and parses the descriptor at path.
func ParseFile(path string) (*Descriptor, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, NewParseError(path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, NewParseError(path, errors.Wrap(err, "failed to read descriptor file"))
	}

	d, err := Parse(content, format)
	if err != nil {
		return nil, NewParseError(path, err)
	}
	return d, nil
}

// Parse decodes descriptor content in the given format.
func Parse(content []byte, format Format) (*Descriptor, error) {
	var (
		raw map[string]any
		err error
	)

	switch format {
	case FormatMarkdown:
		return parseMarkdown(content)
	case FormatJSON:
		// Numbers stay json.Number so "version": 1.0 keeps its text.
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.UseNumber()
		err = dec.Decode(&raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse json descriptor")
		}
	case FormatYAML:
		err = yaml.Unmarshal(content, &raw)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse yaml descriptor")
		}
	default:
		return nil, errors.Errorf("unknown descriptor format %q", format)
	}

	if raw == nil {
		return nil, errors.New("descriptor is empty")
	}
	d, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if format == FormatYAML {
		keepScalarText(d, content)
	}
	return d, nil
}

// keepScalarText restores the version exactly as written in a YAML header.
// An unquoted 1.0 is a float to YAML and would otherwise decode as "1".
func keepScalarText(d *Descriptor, header []byte) {
	var doc yaml.Node
	if err := yaml.Unmarshal(header, &doc); err != nil || len(doc.Content) == 0 {
		return
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		if key.Value == "version" && value.Kind == yaml.ScalarNode {
			if v := strings.TrimSpace(value.Value); v != "" {
				d.Version = v
			}
			return
		}
	}
}

func parseMarkdown(content []byte) (*Descriptor, error) {
	md := goldmark.New(
		goldmark.WithExtensions(meta.Meta),
	)

	var buf bytes.Buffer
	pctx := parser.NewContext()

	if err := md.Convert(content, &buf, parser.WithContext(pctx)); err != nil {
		return nil, errors.Wrap(err, "failed to parse markdown")
	}

	metaData, err := meta.TryGet(pctx)
	if err != nil {
		return nil, errors.Wrap(err, "malformed frontmatter")
	}
	if len(metaData) == 0 {
		return nil, errors.New("missing frontmatter")
	}

	d, err := decode(metaData)
	if err != nil {
		return nil, err
	}

	if header, ok := frontmatter(string(content)); ok {
		keepScalarText(d, []byte(header))
	}
	if body := strings.TrimSpace(extractBodyContent(string(content))); body != "" {
		d.Instructions = body
	}
	return d, nil
}

// frontmatterEnd returns the index of the closing "---" line, or -1.
func frontmatterEnd(lines []string) int {
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return i
		}
	}
	return -1
}

// frontmatter returns the YAML header between the "---" delimiters.
func frontmatter(content string) (string, bool) {
	if !strings.HasPrefix(content, "---") {
		return "", false
	}
	lines := strings.Split(content, "\n")
	end := frontmatterEnd(lines)
	if end == -1 {
		return "", false
	}
	return strings.Join(lines[1:end], "\n"), true
}

// extractBodyContent removes YAML frontmatter and returns the body
func extractBodyContent(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	lines := strings.Split(content, "\n")
	end := frontmatterEnd(lines)
	if end == -1 {
		return content
	}

	return strings.Join(lines[end+1:], "\n")
}

func decode(raw map[string]any) (*Descriptor, error) {
	d := NewDescriptor()

	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           d,
		Metadata:         &md,
		WeaklyTypedInput: true,
		DecodeHook:       stringToListHook,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create descriptor decoder")
	}

	normalized, _ := normalize(raw).(map[string]any)
	if err := decoder.Decode(normalized); err != nil {
		return nil, errors.Wrap(err, "failed to decode descriptor fields")
	}

	for _, key := range md.Unused {
		if strings.Contains(key, ".") || strings.Contains(key, "[") {
			continue
		}
		if d.ExtraMetadata == nil {
			d.ExtraMetadata = make(map[string]any)
		}
		if _, exists := d.ExtraMetadata[key]; !exists {
			d.ExtraMetadata[key] = normalized[key]
		}
	}

	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	if strings.TrimSpace(d.Version) == "" {
		d.Version = DefaultVersion
	}
	return d, nil
}

// stringToListHook splits a space or comma separated string into a list, so
// "allowed-tools: Read Grep" and "tags: a, b" decode the same as YAML lists.
func stringToListHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Slice {
		return data, nil
	}
	s, _ := data.(string)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	return fields, nil
}

// normalize converts map[any]any values produced by YAML v2 decoders into
// map[string]any, recursively.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	}
	return v
}

// Marshal encodes d in the given format.
func Marshal(d *Descriptor, format Format) ([]byte, error) {
	switch format {
	case FormatMarkdown:
		header := d.Clone()
		header.Instructions = ""
		out, err := yaml.Marshal(header)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode frontmatter")
		}
		var buf bytes.Buffer
		buf.WriteString("---\n")
		buf.Write(out)
		buf.WriteString("---\n\n")
		if d.Instructions != "" {
			buf.WriteString(d.Instructions)
			buf.WriteString("\n")
		}
		return buf.Bytes(), nil
	case FormatJSON:
		out, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode json descriptor")
		}
		return append(out, '\n'), nil
	case FormatYAML:
		out, err := yaml.Marshal(d)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode yaml descriptor")
		}
		return out, nil
	}
	return nil, errors.Errorf("unknown descriptor format %q", format)
}

// WriteFile writes d to path, choosing the format from the extension.
func WriteFile(path string, d *Descriptor) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	content, err := Marshal(d, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write descriptor %s", path)
	}
	return nil
}
