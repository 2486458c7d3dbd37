package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/coach-insights/internal/ratelimit"
)

// limitsFile is the document read by `limits apply`:
//
//	limits:
//	  - scope: platform
//	    type: cost_per_day
//	    limit: 500
//	  - scope: organization
//	    scope_id: org-1
//	    type: messages_per_hour
//	    limit: 60
type limitsFile struct {
	Limits []ratelimit.Spec `yaml:"limits"`
}

// parseLimits decodes and validates a limits document. Unknown keys are
// rejected so a misspelled field does not silently configure a zero limit.
func parseLimits(r io.Reader) ([]ratelimit.Spec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f limitsFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, eris.New("limits: file is empty")
		}
		return nil, eris.Wrap(err, "limits: decode yaml")
	}
	if len(f.Limits) == 0 {
		return nil, eris.New("limits: no limits listed")
	}
	for i := range f.Limits {
		if err := f.Limits[i].Validate(); err != nil {
			return nil, eris.Wrapf(err, "limits: entry %d", i)
		}
	}
	return f.Limits, nil
}

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Manage rate limits",
}

var limitsFilePath string

var limitsApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Upsert rate limits from a YAML file",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := os.ReadFile(limitsFilePath)
		if err != nil {
			return eris.Wrapf(err, "read %s", limitsFilePath)
		}
		specs, err := parseLimits(bytes.NewReader(b))
		if err != nil {
			return err
		}

		env, err := initApp(cmd.Context(), modeStore)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Limiter.Configure(cmd.Context(), specs); err != nil {
			return err
		}
		for _, s := range specs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s\t%s\t%g\n", s.Scope, s.ScopeID, s.Type, s.Limit)
		}
		return nil
	},
}

func init() {
	limitsApplyCmd.Flags().StringVarP(&limitsFilePath, "file", "f", "", "limits YAML file")
	_ = limitsApplyCmd.MarkFlagRequired("file")
	limitsCmd.AddCommand(limitsApplyCmd)
	rootCmd.AddCommand(limitsCmd)
}
