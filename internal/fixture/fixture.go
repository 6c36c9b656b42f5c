// Package fixture holds the per-correlation-id overrides baked into the
// shipped conformance scenario set. The historical tester hardcoded these
// as literal id comparisons; here they live in a declarative table so new
// fixtures need a YAML edit, not a code change.
package fixture

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Errors returned by the fixture package.
var (
	// ErrTableNotFound is returned when a fixture file cannot be found.
	ErrTableNotFound = errors.New("fixture: table not found")
	// ErrInvalidOverride is returned when an override fails validation.
	ErrInvalidOverride = errors.New("fixture: invalid override")
)

var digestRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Override describes the special behaviors attached to one correlation id
// during request building and signing. Zero-valued fields are inactive.
type Override struct {
	// FixedSignature replaces the computed sign_string with a known-good
	// constant. Lowercase 32-character hex.
	FixedSignature string `yaml:"fixed_signature,omitempty" json:"fixed_signature,omitempty"`

	// RandomMerchantTransID generates a fresh numeric merchant_trans_id on
	// every build, for fixtures that must be unique per run.
	RandomMerchantTransID bool `yaml:"random_merchant_trans_id,omitempty" json:"random_merchant_trans_id,omitempty"`

	// FixedAmount forces the amount field to this literal value regardless
	// of post data and settings.
	FixedAmount string `yaml:"fixed_amount,omitempty" json:"fixed_amount,omitempty"`

	// RandomPrepareID generates a fresh merchant_prepare_id for complete
	// requests, taking precedence over every other prepare-id source.
	RandomPrepareID bool `yaml:"random_prepare_id,omitempty" json:"random_prepare_id,omitempty"`

	// BorrowPrepareIDFrom names another correlation id whose captured
	// prepare id is used for complete requests, falling back to the chained
	// previous id when that capture is absent.
	BorrowPrepareIDFrom string `yaml:"borrow_prepare_id_from,omitempty" json:"borrow_prepare_id_from,omitempty"`
}

// Validate checks the override's field formats.
func (o Override) Validate() error {
	if o.FixedSignature != "" && !digestRe.MatchString(o.FixedSignature) {
		return fmt.Errorf("%w: fixed_signature must be 32 lowercase hex characters", ErrInvalidOverride)
	}
	return nil
}

// Table maps correlation ids to their overrides.
type Table map[string]Override

// Lookup returns the override for a correlation id.
func (t Table) Lookup(id string) (Override, bool) {
	o, ok := t[id]
	return o, ok
}

// Signatures extracts the fixed-signature overrides in the shape the
// signer consumes.
func (t Table) Signatures() map[string]string {
	out := make(map[string]string)
	for id, o := range t {
		if o.FixedSignature != "" {
			out[id] = o.FixedSignature
		}
	}
	return out
}

// Validate validates every override in the table.
func (t Table) Validate() error {
	for id, o := range t {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
	}
	return nil
}

// Defaults returns the override table matching the historical fixture set
// shipped with the tester.
func Defaults() Table {
	return Table{
		"990000001": {FixedSignature: "d41d8cd98f00b204e9800998ecf8427e"},
		"990000002": {FixedSignature: "a3f1c2d44e8b09765c1d2e3f4a5b6c7d"},
		"990000003": {RandomMerchantTransID: true},
		"990000004": {FixedAmount: "1000.00"},
		"990000005": {RandomPrepareID: true},
		"990000006": {BorrowPrepareIDFrom: "990000001"},
	}
}

// file is the on-disk wrapper format.
type file struct {
	Overrides Table `yaml:"overrides"`
}

// Load reads an override table from a YAML file. Both a document with an
// overrides key and a bare id-to-override map are accepted.
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTableNotFound, path)
		}
		return nil, fmt.Errorf("reading fixture file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err == nil && len(f.Overrides) > 0 {
		if err := f.Overrides.Validate(); err != nil {
			return nil, err
		}
		return f.Overrides, nil
	}

	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing fixture file: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
