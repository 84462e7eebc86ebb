package dedup

import (
	"errors"

	"github.com/paulmach/orb"
)

// FeatureID is the stable identifier a store assigns to a feature
type FeatureID uint64

// Attribute is a single named attribute value of a feature.
// A nil Value means the attribute is absent (null). Err is set when the
// store could not read the value; such attributes fingerprint as absent.
type Attribute struct {
	Name  string
	Value any
	Err   error
}

// Feature is one geometric record borrowed from a Store
type Feature struct {
	ID         FeatureID
	Geometry   orb.Geometry
	Attributes []Attribute
}

// Value returns the attribute value for name and whether the field exists
func (f *Feature) Value(name string) (any, bool) {
	for _, a := range f.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Clone returns a copy of the feature whose attribute slice can be modified
// without affecting the original. The geometry is shared.
func (f *Feature) Clone() *Feature {
	attrs := make([]Attribute, len(f.Attributes))
	copy(attrs, f.Attributes)
	return &Feature{
		ID:         f.ID,
		Geometry:   f.Geometry,
		Attributes: attrs,
	}
}

// ClusterMap maps a parent feature to its ordered duplicates
type ClusterMap map[FeatureID][]FeatureID

// ChildIndex maps a duplicate to the parent it was attached to
type ChildIndex map[FeatureID]FeatureID

var (
	// ErrFeatureNotFound is returned by Store.Feature for unknown identifiers
	ErrFeatureNotFound = errors.New("feature not found")

	// ErrUnsupportedFormat is returned when no store can open the input
	ErrUnsupportedFormat = errors.New("unsupported dataset format")

	// ErrInvalidGeometryBlob is returned for malformed GeoPackage geometry blobs
	ErrInvalidGeometryBlob = errors.New("invalid geopackage geometry blob")
)

// InputConfig selects the dataset to deduplicate
type InputConfig struct {
	Path   string   `yaml:"path" json:"path"`
	Layer  string   `yaml:"layer,omitempty" json:"layer,omitempty"`   // GeoPackage table (default: first feature table)
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"` // GeoJSON schema order (default: sorted property keys)
}

// DedupConfig tunes the clustering pass
type DedupConfig struct {
	VerifyAttributes bool `yaml:"verify_attributes" json:"verifyAttributes"` // Confirm fingerprint matches byte for byte
}

// OutputConfig lists the files written after a pass
type OutputConfig struct {
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`           // Cluster file: .json, .json.zst or .json.lz4
	Annotated string `yaml:"annotated,omitempty" json:"annotated,omitempty"` // GeoJSON copy with dedup_role/dedup_parent
	Render    string `yaml:"render,omitempty" json:"render,omitempty"`       // .svg or .png
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Env   string `yaml:"env" json:"env"`     // local, dev or prod
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string  `yaml:"broker" json:"broker"`
	PublishPrefix string  `yaml:"publish_prefix" json:"publishPrefix"`
	ClientID      string  `yaml:"client_id" json:"clientId"`
	Username      string  `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string  `yaml:"password,omitempty" json:"password,omitempty"`
	ProgressRate  float64 `yaml:"progress_rate,omitempty" json:"progressRate,omitempty"` // Progress messages per second
	QoS           byte    `yaml:"qos,omitempty" json:"qos,omitempty"`                    // 0, 1 or 2
}

// HTTPConfig holds serve-mode settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// Config represents the full configuration file
type Config struct {
	Input      InputConfig   `yaml:"input" json:"input"`
	DropFields []string      `yaml:"drop_fields,omitempty" json:"dropFields,omitempty"`
	Dedup      DedupConfig   `yaml:"dedup" json:"dedup"`
	Output     OutputConfig  `yaml:"output" json:"output"`
	Logging    LoggingConfig `yaml:"logging" json:"logging"`
	MQTT       MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	HTTP       HTTPConfig    `yaml:"http" json:"http"`
}
