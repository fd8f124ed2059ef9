package ledger

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/davidahmann/sterile/core/fsx"
)

// PlaceholderPrefix marks an expected hash that has not been pinned yet.
const PlaceholderPrefix = "<EXPECTED_SHA256_"

// SourceFile is one files[] entry of a sources manifest.
type SourceFile struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
}

func (f SourceFile) Placeholder() bool {
	return strings.HasPrefix(f.SHA256, PlaceholderPrefix)
}

// Sources is a sources.yml document:
//
//	planck:
//	  url: https://...
//	  files:
//	    - name: chains.tar.gz
//	      sha256: <EXPECTED_SHA256_FROM_PLANCK>
//
// It is kept as a node tree so comments and key order survive a rewrite.
type Sources struct {
	doc yaml.Node
}

func ParseSources(data []byte) (*Sources, error) {
	s := &Sources{}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parse sources manifest: %w", err)
	}
	if s.doc.Kind == 0 {
		return nil, fmt.Errorf("sources manifest is empty")
	}
	if s.root() == nil {
		return nil, fmt.Errorf("sources manifest must be a mapping of source names")
	}
	return s, nil
}

func LoadSources(path string) (*Sources, error) {
	// #nosec G304 -- manifest path is explicit caller input.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources manifest: %w", err)
	}
	return ParseSources(data)
}

func (s *Sources) root() *yaml.Node {
	if s.doc.Kind != yaml.DocumentNode || len(s.doc.Content) == 0 {
		return nil
	}
	root := s.doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	return root
}

type fileNode struct {
	source string
	name   string
	sha    *yaml.Node
}

func (s *Sources) fileNodes() []fileNode {
	var out []fileNode
	root := s.root()
	for i := 0; i+1 < len(root.Content); i += 2 {
		source := root.Content[i].Value
		files := mappingValue(root.Content[i+1], "files")
		if files == nil || files.Kind != yaml.SequenceNode {
			continue
		}
		for _, item := range files.Content {
			if item.Kind != yaml.MappingNode {
				continue
			}
			name := mappingValue(item, "name")
			if name == nil || name.Value == "" {
				continue
			}
			out = append(out, fileNode{source: source, name: name.Value, sha: mappingValue(item, "sha256")})
		}
	}
	return out
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// Files lists every named file in document order.
func (s *Sources) Files() []SourceFile {
	nodes := s.fileNodes()
	out := make([]SourceFile, 0, len(nodes))
	for _, node := range nodes {
		file := SourceFile{Source: node.source, Name: node.name}
		if node.sha != nil {
			file.SHA256 = node.sha.Value
		}
		out = append(out, file)
	}
	return out
}

// ExpectedHashes maps filename to pinned sha256. Placeholders and entries
// without a hash are left out; a malformed pinned hash is an error.
func (s *Sources) ExpectedHashes() (map[string]string, error) {
	out := map[string]string{}
	for _, file := range s.Files() {
		if file.SHA256 == "" || file.Placeholder() {
			continue
		}
		digest := strings.ToLower(file.SHA256)
		if !sha256Pattern.MatchString(digest) {
			return nil, fmt.Errorf("%s/%s: sha256 %q is not a hex digest", file.Source, file.Name, file.SHA256)
		}
		if previous, ok := out[file.Name]; ok && previous != digest {
			return nil, fmt.Errorf("%s pinned to two different hashes", file.Name)
		}
		out[file.Name] = digest
	}
	return out, nil
}

// Placeholders lists "source/name" for every entry still awaiting a hash.
func (s *Sources) Placeholders() []string {
	var out []string
	for _, file := range s.Files() {
		if file.Placeholder() {
			out = append(out, file.Source+"/"+file.Name)
		}
	}
	sort.Strings(out)
	return out
}

type FillResult struct {
	Updated []string `json:"updated"`
	Missing []string `json:"missing"`
}

// FillPlaceholders pins every placeholder whose filename appears in checksums.
// Already pinned hashes are never changed.
func (s *Sources) FillPlaceholders(checksums map[string]string) FillResult {
	result := FillResult{Updated: []string{}, Missing: []string{}}
	for _, node := range s.fileNodes() {
		if node.sha == nil || !strings.HasPrefix(node.sha.Value, PlaceholderPrefix) {
			continue
		}
		label := node.source + "/" + node.name
		digest, ok := checksums[node.name]
		if !ok {
			result.Missing = append(result.Missing, label)
			continue
		}
		node.sha.Value = digest
		node.sha.Style = 0
		node.sha.Tag = "!!str"
		result.Updated = append(result.Updated, label)
	}
	sort.Strings(result.Updated)
	sort.Strings(result.Missing)
	return result
}

func (s *Sources) Encode() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&s.doc); err != nil {
		return nil, fmt.Errorf("encode sources manifest: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("encode sources manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func (s *Sources) Write(path string) error {
	data, err := s.Encode()
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(path, data, 0o644)
}
