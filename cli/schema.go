package cli

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/batchvision/config"
	"go.viam.com/batchvision/vision/objectdetection"
)

// SchemaAction prints the JSON schema of the config file, or of one detector type's attributes
// when a type is named.
func SchemaAction(c *cli.Context) error {
	var schema *jsonschema.Schema
	switch c.NArg() {
	case 0:
		schema = jsonschema.Reflect(&config.Config{})
	case 1:
		typeName := c.Args().First()
		var ok bool
		schema, ok = objectdetection.DetectorSchema(typeName)
		if !ok {
			return errors.Errorf("no schema for detector type %q, registered types are %v",
				typeName, objectdetection.RegisteredDetectors())
		}
	default:
		return errors.New("schema takes at most one detector type")
	}

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(append(out, '\n'))
	return err
}
