package scoring

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

const (
	KindBands = "bands"
	KindMDQ   = "mdq"

	roleCluster    = "cluster"
	roleImpairment = "impairment"

	suicideItemID = "phq9_q9"
)

type Item struct {
	ID      string `yaml:"id" json:"id"`
	Text    string `yaml:"text" json:"text"`
	Min     int    `yaml:"min" json:"min"`
	Max     int    `yaml:"max" json:"max"`
	Reverse bool   `yaml:"reverse" json:"-"`
	Role    string `yaml:"role" json:"-"`
}

type Band struct {
	Min   int    `yaml:"min"`
	Max   int    `yaml:"max"`
	Label string `yaml:"label"`
}

type Instrument struct {
	Code      string `yaml:"code"`
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Kind      string `yaml:"kind"`
	Threshold int    `yaml:"threshold"`
	Items     []Item `yaml:"items"`
	Bands     []Band `yaml:"bands"`
}

// ScoreBounds returns the lowest and highest total the items can produce.
// Reverse-keyed items span the same range as their forward form.
func (in *Instrument) ScoreBounds() (int, int) {
	lo, hi := 0, 0
	for _, it := range in.Items {
		lo += it.Min
		hi += it.Max
	}
	return lo, hi
}

type Battery struct {
	Code    string   `yaml:"code" json:"code"`
	Version string   `yaml:"version" json:"version"`
	Name    string   `yaml:"name" json:"name"`
	Tests   []string `yaml:"tests" json:"tests"`
}

type registryFile struct {
	EngineVersion string            `yaml:"engine_version"`
	TopLabel      string            `yaml:"top_label"`
	Ranks         map[string]int    `yaml:"ranks"`
	Texts         map[string]string `yaml:"texts"`
	Instruments   []Instrument      `yaml:"instruments"`
	Batteries     []Battery         `yaml:"batteries"`
}

type itemRef struct {
	instrument string
}

// Registry is the validated, read-only instrument catalog. Accessors return
// copies so callers cannot mutate it after load.
type Registry struct {
	engineVersion string
	topLabel      string
	ranks         map[string]int
	texts         map[string]string
	instruments   map[string]*Instrument
	batteries     map[string]*Battery
	batteryOrder  []string
	items         map[string]itemRef
}

// DefaultRegistry loads the registry embedded in the binary.
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultRegistryYAML)
}

// LoadRegistry parses and validates a registry document. Any structural
// problem (band gaps or overlaps, unknown labels, a top label without the
// maximum rank) is returned as an error so the process refuses to start.
func LoadRegistry(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}

	r := &Registry{
		engineVersion: f.EngineVersion,
		topLabel:      f.TopLabel,
		ranks:         f.Ranks,
		texts:         f.Texts,
		instruments:   make(map[string]*Instrument, len(f.Instruments)),
		batteries:     make(map[string]*Battery, len(f.Batteries)),
		items:         make(map[string]itemRef),
	}
	if r.texts == nil {
		r.texts = map[string]string{}
	}
	if err := r.validateRanks(); err != nil {
		return nil, err
	}

	for i := range f.Instruments {
		in := f.Instruments[i]
		if err := r.validateInstrument(&in); err != nil {
			return nil, fmt.Errorf("instrument %q: %w", in.Code, err)
		}
		if _, dup := r.instruments[in.Code]; dup {
			return nil, fmt.Errorf("instrument %q defined twice", in.Code)
		}
		for _, it := range in.Items {
			if prev, dup := r.items[it.ID]; dup {
				return nil, fmt.Errorf("question %q appears in %s and %s", it.ID, prev.instrument, in.Code)
			}
			r.items[it.ID] = itemRef{instrument: in.Code}
		}
		r.instruments[in.Code] = &in
	}
	if phq, ok := r.instruments["PHQ9"]; ok {
		if _, ok := findItem(phq, suicideItemID); !ok {
			return nil, fmt.Errorf("instrument PHQ9: missing item %s", suicideItemID)
		}
	}

	for i := range f.Batteries {
		b := f.Batteries[i]
		if err := r.validateBattery(&b); err != nil {
			return nil, fmt.Errorf("battery %q: %w", b.Code, err)
		}
		r.batteries[b.Code] = &b
		r.batteryOrder = append(r.batteryOrder, b.Code)
	}
	if len(r.batteries) == 0 {
		return nil, errors.New("registry defines no batteries")
	}
	return r, nil
}

func (r *Registry) validateRanks() error {
	if r.engineVersion == "" {
		return errors.New("engine_version is required")
	}
	if len(r.ranks) == 0 {
		return errors.New("rank table is empty")
	}
	top, ok := r.ranks[r.topLabel]
	if !ok {
		return fmt.Errorf("top_label %q is not in the rank table", r.topLabel)
	}
	for label, rank := range r.ranks {
		if rank > top {
			return fmt.Errorf("top_label %q (rank %d) is outranked by %q (rank %d)", r.topLabel, top, label, rank)
		}
	}
	return nil
}

func (r *Registry) validateInstrument(in *Instrument) error {
	if in.Code == "" {
		return errors.New("code is required")
	}
	if in.Name == "" {
		in.Name = in.Code
	}
	if len(in.Items) == 0 {
		return errors.New("no items")
	}
	seen := make(map[string]bool, len(in.Items))
	for _, it := range in.Items {
		if it.ID == "" {
			return errors.New("item without id")
		}
		if seen[it.ID] {
			return fmt.Errorf("duplicate item %q", it.ID)
		}
		seen[it.ID] = true
		if it.Min > it.Max {
			return fmt.Errorf("item %q: min %d > max %d", it.ID, it.Min, it.Max)
		}
	}

	switch in.Kind {
	case KindBands:
		return r.validateBands(in)
	case KindMDQ:
		if in.Threshold <= 0 {
			return errors.New("mdq threshold must be positive")
		}
		if _, ok := findRole(in, roleCluster); !ok {
			return errors.New("mdq needs a cluster item")
		}
		if _, ok := findRole(in, roleImpairment); !ok {
			return errors.New("mdq needs an impairment item")
		}
		for _, label := range []string{"POSITIVE", "NEGATIVE"} {
			if _, ok := r.ranks[label]; !ok {
				return fmt.Errorf("label %q is not in the rank table", label)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %q", in.Kind)
	}
}

// validateBands requires the bands, in order, to tile [min, max] of the
// instrument exactly.
func (r *Registry) validateBands(in *Instrument) error {
	if len(in.Bands) == 0 {
		return errors.New("no bands")
	}
	lo, hi := in.ScoreBounds()
	next := lo
	for i, b := range in.Bands {
		if b.Min > b.Max {
			return fmt.Errorf("band %d (%s): min %d > max %d", i, b.Label, b.Min, b.Max)
		}
		if b.Min < next {
			return fmt.Errorf("band %d (%s) overlaps: starts at %d, expected %d", i, b.Label, b.Min, next)
		}
		if b.Min > next {
			return fmt.Errorf("gap before band %d (%s): %d..%d uncovered", i, b.Label, next, b.Min-1)
		}
		if _, ok := r.ranks[b.Label]; !ok {
			return fmt.Errorf("band label %q is not in the rank table", b.Label)
		}
		next = b.Max + 1
	}
	if next-1 != hi {
		return fmt.Errorf("bands end at %d, instrument maximum is %d", next-1, hi)
	}
	return nil
}

func (r *Registry) validateBattery(b *Battery) error {
	if b.Code == "" {
		return errors.New("code is required")
	}
	if _, dup := r.batteries[b.Code]; dup {
		return errors.New("defined twice")
	}
	if b.Version == "" {
		return errors.New("version is required")
	}
	if len(b.Tests) == 0 {
		return errors.New("no tests")
	}
	seen := make(map[string]bool, len(b.Tests))
	for _, code := range b.Tests {
		if _, ok := r.instruments[code]; !ok {
			return fmt.Errorf("unknown instrument %q", code)
		}
		if seen[code] {
			return fmt.Errorf("instrument %q listed twice", code)
		}
		seen[code] = true
	}
	return nil
}

func findItem(in *Instrument, id string) (Item, bool) {
	for _, it := range in.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func findRole(in *Instrument, role string) (Item, bool) {
	for _, it := range in.Items {
		if it.Role == role {
			return it, true
		}
	}
	return Item{}, false
}

func (r *Registry) EngineVersion() string { return r.engineVersion }

func (r *Registry) TopLabel() string { return r.topLabel }

// Rank returns the position of label in the severity order; unknown labels
// rank below everything.
func (r *Registry) Rank(label string) int {
	if rank, ok := r.ranks[label]; ok {
		return rank
	}
	return -1
}

func (r *Registry) Text(key string) string { return r.texts[key] }

func (r *Registry) Battery(code string) (Battery, bool) {
	b, ok := r.batteries[code]
	if !ok {
		return Battery{}, false
	}
	out := *b
	out.Tests = append([]string(nil), b.Tests...)
	return out, true
}

// Batteries lists every battery in registry order.
func (r *Registry) Batteries() []Battery {
	out := make([]Battery, 0, len(r.batteryOrder))
	for _, code := range r.batteryOrder {
		b, _ := r.Battery(code)
		out = append(out, b)
	}
	return out
}

func (r *Registry) Instrument(code string) (Instrument, bool) {
	in, ok := r.instruments[code]
	if !ok {
		return Instrument{}, false
	}
	out := *in
	out.Items = append([]Item(nil), in.Items...)
	out.Bands = append([]Band(nil), in.Bands...)
	return out, true
}

// InstrumentCodes returns all instrument codes sorted alphabetically.
func (r *Registry) InstrumentCodes() []string {
	codes := make([]string, 0, len(r.instruments))
	for code := range r.instruments {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// InstrumentFor resolves which instrument owns a question id.
func (r *Registry) InstrumentFor(questionID string) (string, bool) {
	ref, ok := r.items[questionID]
	return ref.instrument, ok
}
