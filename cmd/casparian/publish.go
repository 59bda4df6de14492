package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sl224/casparianflow/pkg/gatekeeper"
	"github.com/sl224/casparianflow/pkg/identity"
	"github.com/sl224/casparianflow/pkg/types"
)

// publishResult is one artifact's outcome, printed as JSON on partial
// failure
type publishResult struct {
	Plugin     string `json:"plugin"`
	Status     string `json:"status"`
	ArtifactID string `json:"artifact_id,omitempty"`
	Violations string `json:"violations,omitempty"`
}

var publishCmd = &cobra.Command{
	Use:   "publish <plugin-dir>",
	Short: "Validate, sign, and register plugin manifests",
	Long: `Publish reads every <name>.py in the directory together with its
<name>.lock dependency lockfile (requirements format; optional), runs
the gatekeeper's static analysis, signs the source through the
configured identity provider, and registers the manifest. Artifacts
that fail validation are recorded as REJECTED with their violations.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		provider, err := identity.NewProvider(cfg.Auth)
		if err != nil {
			return &exitError{code: exitConfig, err: err}
		}
		gate := gatekeeper.New(provider)

		entries, err := os.ReadDir(args[0])
		if err != nil {
			return &exitError{code: exitRuntime, err: fmt.Errorf("read plugin directory: %w", err)}
		}

		ctx := context.Background()
		var results []publishResult
		rejected := 0

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".py") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".py")

			source, err := os.ReadFile(filepath.Join(args[0], entry.Name()))
			if err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("read %s: %w", entry.Name(), err)}
			}
			lockfile, err := os.ReadFile(filepath.Join(args[0], name+".lock"))
			if os.IsNotExist(err) {
				lockfile = nil
			} else if err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("read %s.lock: %w", name, err)}
			}

			signature, err := provider.SignArtifact(source)
			if err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("sign %s: %w", name, err)}
			}

			verdict, err := gate.Verify(ctx, source, signature)
			if err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("validate %s: %w", name, err)}
			}

			manifest := &types.PluginManifest{
				Name:       name,
				Source:     source,
				Lockfile:   lockfile,
				SourceHash: gatekeeper.SourceHash(source),
				EnvHash:    gatekeeper.EnvHash(lockfile),
				ArtifactID: gatekeeper.ArtifactID(source, lockfile),
				Signature:  signature,
				Status:     types.ManifestActive,
			}
			if !verdict.Safe {
				manifest.Status = types.ManifestRejected
				manifest.Violations = verdict.Message()
				rejected++
			}

			if _, err := store.InsertManifest(ctx, manifest); err != nil {
				return &exitError{code: exitRuntime, err: fmt.Errorf("register %s: %w", name, err)}
			}

			results = append(results, publishResult{
				Plugin:     name,
				Status:     string(manifest.Status),
				ArtifactID: manifest.ArtifactID,
				Violations: manifest.Violations,
			})
		}

		if len(results) == 0 {
			return &exitError{code: exitConfig, err: fmt.Errorf("no plugin sources in %s", args[0])}
		}

		for _, r := range results {
			if r.Status == string(types.ManifestActive) {
				fmt.Printf("✓ %s ACTIVE (%s)\n", r.Plugin, r.ArtifactID[:12])
			} else {
				fmt.Printf("✗ %s REJECTED: %s\n", r.Plugin, r.Violations)
			}
		}

		if rejected > 0 {
			out, _ := json.Marshal(results)
			fmt.Println(string(out))
			return &exitError{code: exitPartial}
		}
		return nil
	},
}
