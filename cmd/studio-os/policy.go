package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/monsoonfire/studio-os/internal/capability"
	"github.com/monsoonfire/studio-os/internal/config"
	"github.com/monsoonfire/studio-os/internal/signature"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var outputJSON bool

func newLintPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint-policy",
		Short: "Lint the capability catalog and trusted manifests",
		Long: "Lints every capability from the embedded catalog and the configured\n" +
			"manifests. Exits 2 when any capability is blocked.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			reg, err := buildCapabilities(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			return reportLint(cmd.OutOrStdout(), reg, outputJSON)
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the report as JSON")
	return cmd
}

func reportLint(w io.Writer, reg *capability.Registry, asJSON bool) error {
	issues := reg.Issues()
	blocked := reg.Blocked()
	if asJSON {
		if issues == nil {
			issues = []capability.Issue{}
		}
		if blocked == nil {
			blocked = []string{}
		}
		if err := writeJSON(w, map[string]any{
			"capabilities": len(reg.List()),
			"issues":       issues,
			"blocked":      blocked,
		}); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CAPABILITY\tCODE\tMESSAGE")
		for _, is := range issues {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", is.CapabilityID, is.Code, is.Message)
		}
		_ = tw.Flush()
		fmt.Fprintf(w, "%d capabilities, %d blocked\n", len(reg.List()), len(blocked))
	}
	if len(blocked) > 0 {
		return &codeError{code: exitBlocked, msg: fmt.Sprintf("%d capability(ies) blocked by policy lint", len(blocked))}
	}
	return nil
}

func newVerifyManifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-manifest <manifest.json>...",
		Short: "Verify skill manifest signatures against the configured trust anchors",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			anchors, err := cfg.TrustAnchors()
			if err != nil {
				return err
			}
			results := verifyManifests(anchors, args)
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			for _, r := range results {
				if !r.Valid {
					return &codeError{code: exitBlocked, msg: "one or more manifests failed verification"}
				}
			}
			return nil
		},
	}
}

type manifestResult struct {
	Path         string             `json:"path"`
	ManifestID   string             `json:"manifestId,omitempty"`
	KeyID        string             `json:"keyId,omitempty"`
	Valid        bool               `json:"valid"`
	Code         signature.Code     `json:"code,omitempty"`
	Error        string             `json:"error,omitempty"`
	Capabilities []string           `json:"capabilities,omitempty"`
	Issues       []capability.Issue `json:"issues,omitempty"`
}

// verifyManifests checks each manifest's signature and lints the
// capabilities of those that verify.
func verifyManifests(anchors signature.Anchors, paths []string) []manifestResult {
	out := make([]manifestResult, 0, len(paths))
	for _, path := range paths {
		res := manifestResult{Path: path}
		m, err := capability.LoadManifestFile(path)
		if err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		res.ManifestID, _ = m["id"].(string)
		res.KeyID, _ = m[signature.FieldKeyID].(string)

		b := capability.NewBuilder(anchors, zap.NewNop())
		if err := b.AddManifest(m); err != nil {
			var se *signature.Error
			if errors.As(err, &se) {
				res.Code = se.Code
			}
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		reg, err := b.Build()
		if err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		res.Valid = true
		for _, def := range reg.List() {
			res.Capabilities = append(res.Capabilities, def.ID)
		}
		res.Issues = reg.Issues()
		out = append(out, res)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
