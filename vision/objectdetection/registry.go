package objectdetection

import (
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"go.viam.com/batchvision/logging"
)

// Constructor builds a Detector from its free-form config attributes.
type Constructor func(attributes map[string]interface{}, logger logging.Logger) (Detector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
	schemas    = map[string]*jsonschema.Schema{}
)

// SimpleDetectorType is the registered type name of the SimpleDetector.
const SimpleDetectorType = "simple"

func init() {
	RegisterDetector(SimpleDetectorType, func(attributes map[string]interface{}, _ logging.Logger) (Detector, error) {
		var cfg SimpleDetectorConfig
		if err := DecodeAttributes(attributes, &cfg); err != nil {
			return nil, err
		}
		return NewSimpleDetector(cfg)
	})
	RegisterDetectorSchema(SimpleDetectorType, jsonschema.Reflect(&SimpleDetectorConfig{}))
}

// RegisterDetector registers a detector constructor under typeName. Registering the same name
// twice panics.
func RegisterDetector(typeName string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[typeName]; ok {
		panic(errors.Errorf("detector type %q already registered", typeName))
	}
	registry[typeName] = constructor
}

// RegisterDetectorSchema records the JSON schema of a detector type's attributes.
func RegisterDetectorSchema(typeName string, schema *jsonschema.Schema) {
	registryMu.Lock()
	defer registryMu.Unlock()
	schemas[typeName] = schema
}

// DetectorSchema returns the attribute schema registered for typeName, if any.
func DetectorSchema(typeName string) (*jsonschema.Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schema, ok := schemas[typeName]
	return schema, ok
}

// RegisteredDetectors returns the sorted names of all registered detector types.
func RegisteredDetectors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDetector builds a registered detector type.
func NewDetector(typeName string, attributes map[string]interface{}, logger logging.Logger) (Detector, error) {
	registryMu.RLock()
	constructor, ok := registry[typeName]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown detector type %q, registered types are %v", typeName, RegisteredDetectors())
	}
	det, err := constructor(attributes, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "building %q detector", typeName)
	}
	return det, nil
}

// DecodeAttributes decodes free-form attributes into target using its json tags. Unknown keys
// are an error.
func DecodeAttributes(attributes map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(decoder.Decode(attributes), "decoding detector attributes")
}
