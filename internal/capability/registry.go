package capability

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/monsoonfire/studio-os/internal/signature"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultCatalog is the built-in capability set.
//
//go:embed catalog.yaml
var DefaultCatalog []byte

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrInvalidInput      = errors.New("capability input rejected by schema")
	ErrDuplicate         = errors.New("duplicate capability id")
)

// BlockedError is returned by Authorize for a capability with lint issues.
type BlockedError struct {
	CapabilityID string
	Issues       []Issue
}

func (e *BlockedError) Error() string {
	codes := make([]string, len(e.Issues))
	for i, is := range e.Issues {
		codes[i] = string(is.Code)
	}
	return fmt.Sprintf("capability %s blocked by policy: %s", e.CapabilityID, strings.Join(codes, ", "))
}

type catalogEntry struct {
	Definition `yaml:",inline"`
	Policy     *PolicyMetadata `yaml:"policy" json:"policy"`
}

type catalogFile struct {
	Capabilities []catalogEntry `yaml:"capabilities"`
}

// Builder collects capability definitions at startup. Build produces the
// immutable Registry; nothing can be added afterwards.
type Builder struct {
	anchors signature.Anchors
	logger  *zap.Logger

	defs []Definition
	meta map[string]PolicyMetadata
	seen map[string]string // id -> source
}

func NewBuilder(anchors signature.Anchors, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		anchors: anchors,
		logger:  logger,
		meta:    make(map[string]PolicyMetadata),
		seen:    make(map[string]string),
	}
}

// Add registers one definition with optional policy metadata. A nil meta
// leaves the capability without metadata, which Build will lint as blocked.
func (b *Builder) Add(def Definition, meta *PolicyMetadata) error {
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("Add: capability id is required")
	}
	if src, ok := b.seen[def.ID]; ok {
		return fmt.Errorf("Add %s: %w (already declared by %s)", def.ID, ErrDuplicate, src)
	}
	if def.Source == "" {
		def.Source = "catalog"
	}
	b.seen[def.ID] = def.Source
	b.defs = append(b.defs, def)
	if meta != nil {
		b.meta[def.ID] = *meta
	}
	return nil
}

// AddCatalog parses a YAML catalog and adds every entry.
func (b *Builder) AddCatalog(data []byte) error {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("AddCatalog: %w", err)
	}
	for _, e := range f.Capabilities {
		e.Definition.Source = "catalog"
		if err := b.Add(e.Definition, e.Policy); err != nil {
			return fmt.Errorf("AddCatalog: %w", err)
		}
	}
	return nil
}

// AddManifest verifies a signed skill manifest and adds its capabilities.
// An unsigned or mismatched manifest is refused with a *signature.Error and
// contributes nothing.
func (b *Builder) AddManifest(manifest map[string]any) error {
	id, _ := manifest["id"].(string)
	if err := signature.Verify(manifest, b.anchors); err != nil {
		b.logger.Warn("skill manifest refused",
			zap.String("manifest", id),
			zap.Error(err),
		)
		return fmt.Errorf("AddManifest %s: %w", id, err)
	}
	if id == "" {
		return fmt.Errorf("AddManifest: manifest id is required")
	}

	raw, err := json.Marshal(manifest["capabilities"])
	if err != nil {
		return fmt.Errorf("AddManifest %s: %w", id, err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("AddManifest %s: capabilities: %w", id, err)
	}
	for _, e := range entries {
		e.Definition.Source = id
		if err := b.Add(e.Definition, e.Policy); err != nil {
			return fmt.Errorf("AddManifest %s: %w", id, err)
		}
	}
	b.logger.Info("skill manifest trusted",
		zap.String("manifest", id),
		zap.String("key_id", fmt.Sprint(manifest[signature.FieldKeyID])),
		zap.Int("capabilities", len(entries)),
	)
	return nil
}

// Build lints every capability, compiles input schemas and freezes the set.
// Lint issues do not fail Build; they block the affected capabilities.
func (b *Builder) Build() (*Registry, error) {
	r := &Registry{
		defs:    make(map[string]Definition, len(b.defs)),
		meta:    make(map[string]PolicyMetadata, len(b.meta)),
		issues:  make(map[string][]Issue),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, def := range b.defs {
		r.order = append(r.order, def.ID)
		r.defs[def.ID] = def
		if def.InputSchema != nil {
			sch, err := compileSchema(def.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("Build: capability %s: %w", def.ID, err)
			}
			r.schemas[def.ID] = sch
		}
	}
	for id, m := range b.meta {
		r.meta[id] = m
	}
	for _, is := range Lint(b.defs, b.meta) {
		r.issues[is.CapabilityID] = append(r.issues[is.CapabilityID], is)
	}
	for id, list := range r.issues {
		b.logger.Warn("capability blocked by policy lint",
			zap.String("capability", id),
			zap.Int("issues", len(list)),
		)
	}
	return r, nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid input schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema compile error: %w", err)
	}
	return sch, nil
}

// Registry is the frozen capability set. It is safe for concurrent use.
type Registry struct {
	order   []string
	defs    map[string]Definition
	meta    map[string]PolicyMetadata
	issues  map[string][]Issue
	schemas map[string]*jsonschema.Schema
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (Definition, bool) {
	d, ok := r.defs[id]
	return d, ok
}

// Policy returns the policy metadata for id.
func (r *Registry) Policy(id string) (PolicyMetadata, bool) {
	m, ok := r.meta[id]
	return m, ok
}

// List returns all definitions in declaration order.
func (r *Registry) List() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Issues returns every lint issue, ordered by capability declaration order.
func (r *Registry) Issues() []Issue {
	var out []Issue
	for _, id := range r.order {
		out = append(out, r.issues[id]...)
	}
	return out
}

// Blocked lists ids of capabilities with lint issues, sorted.
func (r *Registry) Blocked() []string {
	out := make([]string, 0, len(r.issues))
	for id := range r.issues {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Authorize returns nil only for a known capability with no lint issues.
func (r *Registry) Authorize(id string) error {
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("Authorize %s: %w", id, ErrUnknownCapability)
	}
	if list := r.issues[id]; len(list) > 0 {
		cp := make([]Issue, len(list))
		copy(cp, list)
		return &BlockedError{CapabilityID: id, Issues: cp}
	}
	return nil
}

// ValidateInput checks payload against the capability's input schema.
// Capabilities without a schema accept any object.
func (r *Registry) ValidateInput(id string, payload map[string]any) error {
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("ValidateInput %s: %w", id, ErrUnknownCapability)
	}
	sch, ok := r.schemas[id]
	if !ok {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ValidateInput %s: %w", id, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("ValidateInput %s: %w", id, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("ValidateInput %s: %w: %v", id, ErrInvalidInput, err)
	}
	return nil
}

// LoadManifestFile reads a skill manifest from a .json, .yaml or .yml file.
func LoadManifestFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadManifestFile: %w", err)
	}
	var m map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&m)
	}
	if err != nil {
		return nil, fmt.Errorf("LoadManifestFile %s: %w", path, err)
	}
	return m, nil
}
