package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"slices"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/spf13/cobra"

	"github.com/marytts/marytts-sub027/pkg/codebook"
	"github.com/marytts/marytts-sub027/pkg/mapper"
	"github.com/marytts/marytts-sub027/pkg/outlier"
	"github.com/marytts/marytts-sub027/pkg/trainer"
)

// schemaTargets lists the documents `vcbook schema` can describe.
var schemaTargets = map[string]func(*jsonschema.ForOptions) (*jsonschema.Schema, error){
	"train":       jsonschema.For[TrainRequest],
	"map":         jsonschema.For[MapRequest],
	"trainer":     jsonschema.For[trainer.Params],
	"mapper":      jsonschema.For[mapper.Params],
	"eliminators": jsonschema.For[outlier.Params],
}

func schemaNames() []string {
	names := make([]string, 0, len(schemaTargets))
	for n := range schemaTargets {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Schema returns the JSON schema of the named run file section.
func Schema(name string) (*jsonschema.Schema, error) {
	build, ok := schemaTargets[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q (want one of %v)", name, schemaNames())
	}
	policy, err := outlier.PolicySchema()
	if err != nil {
		return nil, err
	}
	var types []any
	for t := codebook.Frames; t <= codebook.Speech; t++ {
		types = append(types, t.String())
	}
	return build(&jsonschema.ForOptions{
		TypeSchemas: map[reflect.Type]*jsonschema.Schema{
			reflect.TypeFor[outlier.PolicyConfig](): policy,
			reflect.TypeFor[codebook.Type]():        {Type: "string", Enum: types},
			reflect.TypeFor[codebook.Family](): {
				Type:        "string",
				Description: `feature families joined by "+", e.g. "lsf+f0+energy+duration"`,
				Pattern:     `^((all|lsf|f0|energy|duration|mfcc)([+, ]+(lsf|f0|energy|duration|mfcc))*)?$`,
			},
		},
	})
}

var schemaCmd = &cobra.Command{
	Use:       "schema <name>",
	Short:     "Print the JSON schema of a run file",
	Long:      "Print the JSON schema of a run file or one of its sections: train, map, trainer, mapper, eliminators.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: schemaNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := Schema(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
