package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/marmos91/dittoweb/pkg/config"
)

var durationType = reflect.TypeOf(time.Duration(0))

func main() {
	output := flag.String("o", "config.schema.json", "Output file")
	flag.Parse()

	// Config keys follow mapstructure tags, which is what viper decodes
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		FieldNameTag:              "mapstructure",
		Mapper:                    mapDuration,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.Title = "DittoWeb Configuration"
	schema.Description = "Configuration schema for the DittoWeb HTTP server"
	schema.Version = "1.0.0"

	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling schema: %v\n", err)
		os.Exit(1)
	}

	outputFile := *output
	if flag.NArg() > 0 {
		outputFile = flag.Arg(0)
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("JSON schema written to %s\n", outputFile)
}

// mapDuration describes time.Duration fields as Go duration strings ("30s", "5m").
func mapDuration(t reflect.Type) *jsonschema.Schema {
	if t != durationType {
		return nil
	}
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Duration such as 500ms, 30s or 5m",
	}
}
